package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/agentsim/pkg/schema"
)

// RenderSVG renders the model as an SVG image using graphviz.
func RenderSVG(m *Model) ([]byte, error) {
	ctx := context.Background()

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if m.Title != "" {
		graph.SetLabel(m.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(m.Nodes))
	for _, n := range m.Nodes {
		gvNode, nErr := graph.CreateNodeByName(n.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", n.ID, nErr)
		}
		gvNode.SetLabel(n.Label)
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetStyle(cgraph.FilledNodeStyle)
		gvNode.SetFillColor(stateFillColor(n.State))
		gvNodes[n.ID] = gvNode
	}
	for _, e := range m.Edges {
		from, to := gvNodes[e.From], gvNodes[e.To]
		if from != nil && to != nil {
			if _, eErr := graph.CreateEdgeByName("", from, to); eErr != nil {
				return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", e.From, e.To, eErr)
			}
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render SVG: %w", err)
	}
	return buf.Bytes(), nil
}

func stateFillColor(s schema.NodeState) string {
	switch s {
	case schema.StateSucceeded:
		return "#a9dfbf"
	case schema.StateFailed:
		return "#f5b7b1"
	case schema.StateCancelled:
		return "#d5d8dc"
	case schema.StateRunnable, schema.StateQueued, schema.StateRunning:
		return "#aed6f1"
	default:
		return "#fdebd0"
	}
}
