package diagram

import (
	"fmt"
	"strings"
)

// kindTag returns a short marker for a node kind.
func kindTag(kind NodeKind) string {
	switch kind {
	case NodeKindStart:
		return "[START]"
	case NodeKindTerminal:
		return "[END]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a plain-text transition listing,
// grouped by source state.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	width := 0
	for _, node := range model.Nodes {
		width = max(width, len(node.ID))
	}

	for _, node := range model.Nodes {
		marker := " "
		if node.Current {
			marker = "*"
		}
		header := strings.TrimSpace(node.ID + " " + kindTag(node.Kind))
		fmt.Fprintf(&b, "%s %s\n", marker, header)

		for _, edge := range model.Edges {
			if edge.From != node.ID {
				continue
			}
			arrow := "--ok-->"
			if edge.Failure {
				arrow = "--err->"
			}
			fmt.Fprintf(&b, "    %s %-*s  (%s)\n", arrow, width, edge.To, edge.Label())
		}
	}
	return b.String()
}
