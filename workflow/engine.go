package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/RichardKnop/machinery/v2/log"
)

// TaskError wraps the failure of a single task with the task's name.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed: %s", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Engine executes flows against a store. It resolves each task's declared
// inputs, runs the task, merges outputs back into the store and recurses
// into nested flows. On the first unhandled failure it reverts every task
// that already completed, in strict reverse completion order, then returns
// the original failure.
type Engine struct {
	// Parallel enables concurrent execution of Unordered children. When
	// false they run sequentially; callers cannot observe the difference.
	Parallel bool
}

// NewEngine returns an Engine with concurrent Unordered execution enabled.
func NewEngine() *Engine {
	return &Engine{Parallel: true}
}

// completionLog records tasks in the order they finished executing.
type completionLog struct {
	mu    sync.Mutex
	tasks []Task
}

func (l *completionLog) add(t Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *completionLog) reversed() []Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Task, len(l.tasks))
	for i, t := range l.tasks {
		out[len(l.tasks)-1-i] = t
	}
	return out
}

// Run validates the flow against the store's initial keys, executes it, and
// unwinds on failure. The returned error is the original task failure, not
// a revert outcome: reverts are best-effort and only logged.
func (e *Engine) Run(ctx context.Context, flow Node, store *Store) error {
	if err := Validate(flow, store.Keys()); err != nil {
		return err
	}

	completed := &completionLog{}
	err := e.exec(ctx, flow, store, completed)
	if err == nil {
		return nil
	}

	for _, t := range completed.reversed() {
		e.revert(ctx, t, store, err)
	}
	return err
}

func (e *Engine) exec(ctx context.Context, node Node, store *Store, completed *completionLog) error {
	switch n := node.(type) {
	case Task:
		return e.execTask(ctx, n, store, completed)
	case *Linear:
		for _, child := range n.Children {
			if err := e.exec(ctx, child, store, completed); err != nil {
				return err
			}
		}
		return nil
	case *Unordered:
		return e.execUnordered(ctx, n, store, completed)
	case *Graph:
		return e.execGraph(ctx, n, store, completed)
	default:
		return fmt.Errorf("workflow: unknown node type %T", node)
	}
}

func (e *Engine) execTask(ctx context.Context, t Task, store *Store, completed *completionLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.DEBUG.Printf("executing task %q", t.Name())
	if err := t.Execute(ctx, store); err != nil {
		return &TaskError{Task: t.Name(), Err: err}
	}
	completed.add(t)
	return nil
}

func (e *Engine) execUnordered(ctx context.Context, flow *Unordered, store *Store, completed *completionLog) error {
	if !e.Parallel || len(flow.Children) < 2 {
		for _, child := range flow.Children {
			if err := e.exec(ctx, child, store, completed); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, child := range flow.Children {
		wg.Add(1)
		go func(n Node) {
			defer wg.Done()
			if err := e.exec(ctx, n, store, completed); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(child)
	}
	wg.Wait()
	return firstErr
}

func (e *Engine) execGraph(ctx context.Context, g *Graph, store *Store, completed *completionLog) error {
	order, err := g.check()
	if err != nil {
		return err
	}

	const (
		statusDone = iota
		statusSkipped
	)
	status := make(map[string]int, len(order))

	for _, node := range order {
		edges := g.incoming(node.Name())
		if len(edges) > 0 {
			fired := false
			for _, edge := range edges {
				if status[edge.From] != statusDone {
					continue
				}
				if edge.Decider != nil && !edge.Decider(store) {
					continue
				}
				fired = true
				break
			}
			if !fired {
				log.DEBUG.Printf("skipping %q: no incoming edge fired", node.Name())
				status[node.Name()] = statusSkipped
				continue
			}
		}
		if err := e.exec(ctx, node, store, completed); err != nil {
			return err
		}
		status[node.Name()] = statusDone
	}
	return nil
}

// revert invokes a task's compensation. Reverts never fail: a panic is
// recovered and logged so the unwind continues with the remaining tasks.
func (e *Engine) revert(ctx context.Context, t Task, store *Store, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.ERROR.Printf("revert of task %q panicked: %v", t.Name(), r)
		}
	}()
	log.INFO.Printf("reverting task %q", t.Name())
	t.Revert(ctx, store, cause)
}
