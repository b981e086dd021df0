package graph

import (
	"fmt"
	"os"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// dotNode renders a Node for Graphviz.
type dotNode struct{ n *Node }

func (d dotNode) ID() int64     { return int64(d.n.id) }
func (d dotNode) DOTID() string { return d.n.name }
func (d dotNode) Attributes() []encoding.Attribute {
	label := d.n.name + `\n` + d.n.op
	if d.n.shape != nil {
		label += `\n` + d.n.shape.String()
	}
	shape := "box"
	switch d.n.op {
	case OpPlaceholder:
		shape = "invhouse"
	case OpVariable:
		shape = "cylinder"
	case OpApplyAdam:
		shape = "doubleoctagon"
	}
	return []encoding.Attribute{
		{Key: "label", Value: `"` + label + `"`},
		{Key: "shape", Value: shape},
	}
}

// MarshalDOT renders g in Graphviz DOT format.
func MarshalDOT(g *Graph, name string) ([]byte, error) {
	dg := simple.NewDirectedGraph()
	for _, n := range g.nodes {
		dg.AddNode(dotNode{n})
	}
	for _, n := range g.nodes {
		for _, in := range n.inputs {
			from, to := dg.Node(int64(in.id)), dg.Node(int64(n.id))
			if dg.HasEdgeFromTo(from.ID(), to.ID()) {
				continue
			}
			dg.SetEdge(dg.NewEdge(from, to))
		}
	}
	b, err := dot.Marshal(dg, name, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal dot: %w", err)
	}
	return b, nil
}

// WriteDOT writes the Graphviz rendering of g to path.
func WriteDOT(path string, g *Graph, name string) error {
	b, err := MarshalDOT(g, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil { //nolint:gosec // plain text artifact
		return fmt.Errorf("write dot: %w", err)
	}
	return nil
}
