package workflow

import "context"

// Node is anything that can appear inside a flow: a Task or a nested flow.
type Node interface {
	Name() string
}

// Task is the smallest unit of work. It declares the store keys it consumes
// and produces so wiring errors surface at flow-construction time rather
// than mid-execution.
//
// Execute performs the forward action. Revert undoes its side effect during
// failure unwind; it must be best-effort and never fail (panics are
// recovered and logged by the engine).
type Task interface {
	Node
	Requires() []string
	Provides() []string
	Execute(ctx context.Context, store *Store) error
	Revert(ctx context.Context, store *Store, cause error)
}

// Base supplies the common Task plumbing: a name plus declared inputs and
// outputs. Embed it and override Execute/Revert.
type Base struct {
	TaskName string
	Reads    []string
	Writes   []string
}

func (b Base) Name() string       { return b.TaskName }
func (b Base) Requires() []string { return b.Reads }
func (b Base) Provides() []string { return b.Writes }

// Revert is a no-op by default; tasks without side effects keep it.
func (b Base) Revert(ctx context.Context, store *Store, cause error) {}

// Func adapts a pair of functions into a Task. Handy in tests and for
// one-off glue tasks.
type Func struct {
	Base
	ExecuteFunc func(ctx context.Context, store *Store) error
	RevertFunc  func(ctx context.Context, store *Store, cause error)
}

func (f *Func) Execute(ctx context.Context, store *Store) error {
	if f.ExecuteFunc == nil {
		return nil
	}
	return f.ExecuteFunc(ctx, store)
}

func (f *Func) Revert(ctx context.Context, store *Store, cause error) {
	if f.RevertFunc != nil {
		f.RevertFunc(ctx, store, cause)
	}
}
