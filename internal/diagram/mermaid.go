package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/agentsim/pkg/schema"
)

// RenderMermaid renders the model as a Mermaid flowchart string.
func RenderMermaid(m *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}
	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", n.ID, n.Label)
	}
	for _, e := range m.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", e.From, e.To)
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef active fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef cancelled fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")
	b.WriteString("    classDef waiting fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	for _, n := range m.Nodes {
		fmt.Fprintf(&b, "    class %s %s\n", n.ID, mermaidStateClass(n.State))
	}
	return b.String()
}

func mermaidStateClass(s schema.NodeState) string {
	switch s {
	case schema.StateSucceeded:
		return "succeeded"
	case schema.StateFailed:
		return "failed"
	case schema.StateCancelled:
		return "cancelled"
	case schema.StateRunnable, schema.StateQueued, schema.StateRunning:
		return "active"
	default:
		return "waiting"
	}
}
