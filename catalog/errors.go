package catalog

import (
	"errors"
	"fmt"
)

// ErrAlreadyDone signals that a re-driven command found its resource
// already at the target state; the worker reports success without running
// the rest of the flow.
var ErrAlreadyDone = errors.New("catalog: resource already at target state")

// ErrNotMutable is the admission failure: the resource is not in a state
// that permits a new operation (a flow is already running for it). The
// loser of the admission race is rejected, not queued.
type ErrNotMutable struct {
	Resource string
	ID       string
}

func (e ErrNotMutable) Error() string {
	return fmt.Sprintf("catalog: %s %s is not in a mutable provisioning state", e.Resource, e.ID)
}

// ErrUnsupportedOperation marks an explicitly unimplemented operation. It
// carries separate messages for the API user and the operator and is fatal
// to the single command only.
type ErrUnsupportedOperation struct {
	UserMsg     string
	OperatorMsg string
}

func (e ErrUnsupportedOperation) Error() string {
	return fmt.Sprintf("catalog: unsupported operation: %s", e.OperatorMsg)
}
