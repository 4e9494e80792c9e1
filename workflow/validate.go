package workflow

import "fmt"

// ErrUnsatisfied reports a task whose declared inputs cannot be produced by
// any predecessor or by the initial store. It is returned by Validate before
// anything executes.
type ErrUnsatisfied struct {
	Task string
	Key  string
}

func (e ErrUnsatisfied) Error() string {
	return fmt.Sprintf("workflow: task %q requires %q which nothing provides", e.Task, e.Key)
}

// Validate walks a flow and simulates store-key propagation: every task's
// Requires must be covered by the initial keys or by the Provides of tasks
// that are guaranteed to run before it. This is the construction-time
// binding check; the engine refuses to execute a flow that fails it.
func Validate(flow Node, initial []string) error {
	keys := make(map[string]bool, len(initial))
	for _, k := range initial {
		keys[k] = true
	}
	_, err := propagate(flow, keys)
	return err
}

// propagate returns the key set available after the node has run.
func propagate(node Node, in map[string]bool) (map[string]bool, error) {
	switch n := node.(type) {
	case Task:
		for _, key := range n.Requires() {
			if !in[key] {
				return nil, ErrUnsatisfied{Task: n.Name(), Key: key}
			}
		}
		out := copyKeys(in)
		for _, key := range n.Provides() {
			out[key] = true
		}
		return out, nil

	case *Linear:
		cur := in
		var err error
		for _, child := range n.Children {
			cur, err = propagate(child, cur)
			if err != nil {
				return nil, err
			}
		}
		return cur, nil

	case *Unordered:
		// Children run in no particular order, so each may only rely on
		// keys available before the flow started. Their outputs are all
		// visible afterwards.
		out := copyKeys(in)
		for _, child := range n.Children {
			childOut, err := propagate(child, in)
			if err != nil {
				return nil, err
			}
			for k := range childOut {
				out[k] = true
			}
		}
		return out, nil

	case *Graph:
		order, err := n.check()
		if err != nil {
			return nil, err
		}
		// A node sees the initial keys plus everything its transitive
		// predecessors provide.
		after := make(map[string]map[string]bool, len(order))
		out := copyKeys(in)
		for _, node := range order {
			vis := copyKeys(in)
			for _, e := range n.incoming(node.Name()) {
				for k := range after[e.From] {
					vis[k] = true
				}
			}
			nodeOut, err := propagate(node, vis)
			if err != nil {
				return nil, err
			}
			after[node.Name()] = nodeOut
			for k := range nodeOut {
				out[k] = true
			}
		}
		return out, nil

	default:
		return nil, fmt.Errorf("workflow: unknown node type %T", node)
	}
}

func copyKeys(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k := range in {
		out[k] = true
	}
	return out
}
