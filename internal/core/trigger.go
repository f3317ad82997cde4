package core

import "context"

// TriggerRequest is the payload delivered to a trigger node invocation.
type TriggerRequest struct {
	Messages    []map[string]any
	Async       bool
	ThreadSubID string
}

// TriggerResult is the outcome of a trigger invocation. ThreadID is derived
// from the stable node identity plus the caller's sub id.
type TriggerResult struct {
	ThreadID string
	Async    bool
	Outputs  []map[string]any
}

// TriggerNode is implemented by instances of trigger-kind templates. resolve
// maps a node id to its current live instance through the compiled graph.
type TriggerNode interface {
	Started() bool
	Invoke(ctx context.Context, req TriggerRequest, resolve func(nodeID string) any) (*TriggerResult, error)
}
