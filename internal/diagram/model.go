package diagram

// NodeKind classifies a state in the diagram.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindActive   NodeKind = "active"
	NodeKindTerminal NodeKind = "terminal"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one workflow state.
type Node struct {
	ID      string
	Kind    NodeKind
	Current bool
}

// Edge is one outcome of a transition rule.
type Edge struct {
	From    string
	To      string
	Agent   string
	Emit    string // empty on failure edges
	Failure bool
}

// Label is the text shown on the edge.
func (e Edge) Label() string {
	if e.Failure {
		return e.Agent + " failed"
	}
	if e.Emit == "" {
		return e.Agent
	}
	return e.Agent + " / " + e.Emit
}
