package diagram

import (
	"slices"

	"github.com/rendis/leadflow/internal/engine"
	"github.com/rendis/leadflow/pkg/schema"
)

// Options selects what Build draws.
type Options struct {
	Title string
	// Allowed restricts the diagram to the rules a workflow with these agents
	// would actually take: per state only the first matching rule. Nil draws
	// every rule.
	Allowed []schema.AgentType
	// Current highlights a state.
	Current schema.WorkflowState
}

// Build converts the transition table into a DiagramModel. Only states that
// take part in some edge appear, in declaration order.
func Build(opts Options) *DiagramModel {
	model := &DiagramModel{Title: opts.Title}

	var rules []engine.Transition
	if opts.Allowed == nil {
		rules = engine.Transitions()
	} else {
		for _, st := range schema.WorkflowStates {
			if tr, ok := engine.FindTransition(st, opts.Allowed); ok {
				rules = append(rules, tr)
			}
		}
	}

	used := map[schema.WorkflowState]bool{schema.StateLeadReceived: true}
	for _, tr := range rules {
		model.Edges = append(model.Edges,
			Edge{
				From:  string(tr.From),
				To:    string(tr.SuccessState),
				Agent: string(tr.Agent),
				Emit:  string(tr.EmitOnSuccess),
			},
			Edge{
				From:    string(tr.From),
				To:      string(tr.FailState),
				Agent:   string(tr.Agent),
				Failure: true,
			},
		)
		used[tr.From] = true
		used[tr.SuccessState] = true
		used[tr.FailState] = true
	}

	for _, st := range schema.WorkflowStates {
		if !used[st] {
			continue
		}
		kind := NodeKindActive
		switch {
		case st == schema.StateLeadReceived:
			kind = NodeKindStart
		case !hasOutgoing(rules, st):
			kind = NodeKindTerminal
		}
		model.Nodes = append(model.Nodes, &Node{ID: string(st), Kind: kind, Current: st == opts.Current})
	}
	return model
}

func hasOutgoing(rules []engine.Transition, st schema.WorkflowState) bool {
	return slices.ContainsFunc(rules, func(tr engine.Transition) bool { return tr.From == st })
}
