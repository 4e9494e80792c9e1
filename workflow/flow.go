package workflow

import "fmt"

// Decider is a predicate attached to a graph edge. It inspects the outputs
// already present in the store; returning false skips the edge's destination
// subtree entirely (not run, not reverted).
type Decider func(store *Store) bool

// Linear runs its children strictly in declaration order.
type Linear struct {
	name     string
	Children []Node
}

// NewLinear builds a Linear flow.
func NewLinear(name string, children ...Node) *Linear {
	return &Linear{name: name, Children: children}
}

// Add appends children to the flow.
func (f *Linear) Add(children ...Node) *Linear {
	f.Children = append(f.Children, children...)
	return f
}

func (f *Linear) Name() string { return f.name }

// Unordered runs its children with no ordering constraint; the engine may
// run them concurrently. All children must complete before the flow is done.
type Unordered struct {
	name     string
	Children []Node
}

// NewUnordered builds an Unordered flow.
func NewUnordered(name string, children ...Node) *Unordered {
	return &Unordered{name: name, Children: children}
}

// Add appends children to the flow.
func (f *Unordered) Add(children ...Node) *Unordered {
	f.Children = append(f.Children, children...)
	return f
}

func (f *Unordered) Name() string { return f.name }

// Edge is a directed dependency between two graph nodes, optionally gated
// by a decider.
type Edge struct {
	From    string
	To      string
	Decider Decider
}

// Graph runs its children according to explicit edges. A node executes once
// at least one of its incoming edges has fired (source completed, decider
// true); it is skipped when every incoming edge is inert, and the skip
// propagates to anything only reachable through it.
type Graph struct {
	name  string
	Nodes []Node
	Edges []Edge
}

// NewGraph builds an empty Graph flow.
func NewGraph(name string) *Graph {
	return &Graph{name: name}
}

func (g *Graph) Name() string { return g.name }

// Add registers nodes with the graph.
func (g *Graph) Add(nodes ...Node) *Graph {
	g.Nodes = append(g.Nodes, nodes...)
	return g
}

// Link adds an unconditional edge between two named nodes.
func (g *Graph) Link(from, to string) *Graph {
	g.Edges = append(g.Edges, Edge{From: from, To: to})
	return g
}

// LinkIf adds an edge gated by a decider.
func (g *Graph) LinkIf(from, to string, decider Decider) *Graph {
	g.Edges = append(g.Edges, Edge{From: from, To: to, Decider: decider})
	return g
}

func (g *Graph) node(name string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.Name() == name {
			return n, true
		}
	}
	return nil, false
}

// check verifies the edges reference known nodes and the graph is acyclic,
// returning nodes in a topological order.
func (g *Graph) check() ([]Node, error) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := indegree[n.Name()]; dup {
			return nil, fmt.Errorf("graph %q: duplicate node %q", g.name, n.Name())
		}
		indegree[n.Name()] = 0
	}
	for _, e := range g.Edges {
		if _, ok := g.node(e.From); !ok {
			return nil, fmt.Errorf("graph %q: edge from unknown node %q", g.name, e.From)
		}
		if _, ok := g.node(e.To); !ok {
			return nil, fmt.Errorf("graph %q: edge to unknown node %q", g.name, e.To)
		}
		indegree[e.To]++
	}

	// Kahn's algorithm, preserving declaration order for determinism.
	var order []Node
	ready := make([]Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if indegree[n.Name()] == 0 {
			ready = append(ready, n)
		}
	}
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, e := range g.Edges {
			if e.From != n.Name() {
				continue
			}
			indegree[e.To]--
			if indegree[e.To] == 0 {
				to, _ := g.node(e.To)
				ready = append(ready, to)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph %q: dependency cycle", g.name)
	}
	return order, nil
}

func (g *Graph) incoming(name string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.To == name {
			edges = append(edges, e)
		}
	}
	return edges
}
