// Package version implements the monotonic patch-version arbiter.
package version

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Arbiter generates and compares graph versions. Versions are SemVer with
// patch-only increments (1.2.3 -> 1.2.4).
type Arbiter struct{}

// Next returns the patch increment of current. A value that does not parse
// as SemVer falls back to incrementing its last dot-separated numeric
// component, so a malformed stored version still advances monotonically.
func (Arbiter) Next(current string) string {
	if v, err := semver.NewVersion(current); err == nil {
		next := v.IncPatch()
		return next.String()
	}
	parts := strings.Split(current, ".")
	last := parts[len(parts)-1]
	if n, err := strconv.Atoi(last); err == nil {
		parts[len(parts)-1] = strconv.Itoa(n + 1)
		return strings.Join(parts, ".")
	}
	return current + ".1"
}

// Compare returns -1, 0 or 1 for a < b, a == b, a > b in SemVer order.
// Unparseable versions fall back to lexical comparison.
func (Arbiter) Compare(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// Max returns the greater of a and b.
func (ar Arbiter) Max(a, b string) string {
	if ar.Compare(a, b) >= 0 {
		return a
	}
	return b
}
