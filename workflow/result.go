package workflow

// Status tags the outcome of driving one command through a flow. Callers
// branch on the tag instead of matching error types.
type Status int

const (
	// StatusSuccess means the flow ran to completion.
	StatusSuccess Status = iota
	// StatusSkipped means the operation was not admitted (e.g. the resource
	// is not in a mutable provisioning state). Nothing was mutated and the
	// command counts as handled.
	StatusSkipped
	// StatusUnsupported means the operation is explicitly unimplemented.
	// Fatal to the single command, not to the worker.
	StatusUnsupported
	// StatusFailed means the flow failed and was reverted.
	StatusFailed
)

// Result is the tagged outcome of a command.
type Result struct {
	Status Status
	// Reason explains a skip.
	Reason string
	// UserMsg and OperatorMsg carry the two audiences' messages for an
	// unsupported operation.
	UserMsg     string
	OperatorMsg string
	// Err is the original failure for StatusFailed.
	Err error
}

// Succeeded returns a success result.
func Succeeded() Result {
	return Result{Status: StatusSuccess}
}

// Skipped returns a skip result with the given reason.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

// Unsupported returns an unsupported-operation result.
func Unsupported(userMsg, operatorMsg string) Result {
	return Result{Status: StatusUnsupported, UserMsg: userMsg, OperatorMsg: operatorMsg}
}

// Failed wraps a flow failure.
func Failed(err error) Result {
	return Result{Status: StatusFailed, Err: err}
}
