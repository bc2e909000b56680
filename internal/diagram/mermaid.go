package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid stateDiagram-v2.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		if node.Kind == NodeKindStart {
			fmt.Fprintf(&b, "    [*] --> %s\n", node.ID)
		}
	}
	for _, edge := range model.Edges {
		fmt.Fprintf(&b, "    %s --> %s: %s\n", edge.From, edge.To, edge.Label())
	}
	for _, node := range model.Nodes {
		if node.Kind == NodeKindTerminal {
			fmt.Fprintf(&b, "    %s --> [*]\n", node.ID)
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef current fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef terminal fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	for _, node := range model.Nodes {
		switch {
		case node.Current:
			fmt.Fprintf(&b, "    class %s current\n", node.ID)
		case node.Kind == NodeKindTerminal:
			fmt.Fprintf(&b, "    class %s terminal\n", node.ID)
		}
	}
	return b.String()
}
