// Package diagram renders a workflow DAG for inspection: mermaid flowcharts
// for quick reading, graphviz for image output.
package diagram

import (
	"fmt"
	"sort"

	"github.com/rendis/agentsim/internal/workflow"
	"github.com/rendis/agentsim/pkg/schema"
)

// Node is one diagram vertex.
type Node struct {
	ID    string
	Label string
	State schema.NodeState
}

// Edge is one directed diagram edge.
type Edge struct {
	From string
	To   string
}

// Model is the renderer-independent diagram representation.
type Model struct {
	Title string
	Nodes []Node
	Edges []Edge
}

// FromWorkflow builds a diagram model of the workflow's current DAG, nodes
// in id order.
func FromWorkflow(wf *workflow.Workflow) *Model {
	m := &Model{Title: fmt.Sprintf("workflow %d", wf.ID())}
	ids := make([]schema.NodeID, 0, len(wf.Nodes()))
	for id := range wf.Nodes() {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n := wf.Nodes()[id]
		label := fmt.Sprintf("%s i%d", n.Type, n.Iter)
		if n.PDFIdx >= 0 {
			label += fmt.Sprintf(" p%d", n.PDFIdx)
		}
		if n.SubqueryIdx >= 0 {
			label += fmt.Sprintf(" q%d", n.SubqueryIdx)
		}
		m.Nodes = append(m.Nodes, Node{
			ID:    fmt.Sprintf("n%d", id),
			Label: label,
			State: n.State,
		})
		for _, cid := range n.Children {
			m.Edges = append(m.Edges, Edge{
				From: fmt.Sprintf("n%d", id),
				To:   fmt.Sprintf("n%d", cid),
			})
		}
	}
	return m
}
