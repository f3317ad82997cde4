package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArbiterNext(t *testing.T) {
	tests := []struct {
		name    string
		current string
		want    string
	}{
		{"initial", "1.0.0", "1.0.1"},
		{"patch rollover", "1.2.9", "1.2.10"},
		{"large patch", "1.0.999", "1.0.1000"},
		{"major and minor kept", "2.1.3", "2.1.4"},
		{"fallback last numeric", "v1.x.7", "v1.x.8"},
		{"fallback no numeric", "abc", "abc.1"},
	}

	var a Arbiter
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Next(tt.current))
		})
	}
}

func TestArbiterNextIsMonotonic(t *testing.T) {
	var a Arbiter
	v := "1.0.0"
	for i := 0; i < 50; i++ {
		next := a.Next(v)
		assert.Equal(t, -1, a.Compare(v, next), "Next(%s)=%s must be greater", v, next)
		v = next
	}
	assert.Equal(t, "1.0.50", v)
}

func TestArbiterCompare(t *testing.T) {
	var a Arbiter
	assert.Equal(t, 0, a.Compare("1.0.0", "1.0.0"))
	assert.Equal(t, -1, a.Compare("1.0.2", "1.0.10"), "numeric, not lexical, patch order")
	assert.Equal(t, 1, a.Compare("1.1.0", "1.0.99"))
}

func TestArbiterMax(t *testing.T) {
	var a Arbiter
	assert.Equal(t, "1.0.10", a.Max("1.0.2", "1.0.10"))
	assert.Equal(t, "1.0.2", a.Max("1.0.2", "1.0.2"))
}
