package engine

import (
	"slices"

	"github.com/rendis/leadflow/pkg/schema"
)

// Transition is one rule of the workflow state machine: in state From, run
// Agent and move to SuccessState or FailState depending on the outcome.
// EmitOnSuccess is published only after a successful step.
type Transition struct {
	From          schema.WorkflowState `json:"from"`
	Agent         schema.AgentType     `json:"agent"`
	SuccessState  schema.WorkflowState `json:"successState"`
	FailState     schema.WorkflowState `json:"failState"`
	EmitOnSuccess schema.EventType     `json:"emitOnSuccess"`
}

// transitions is ordered: the first rule matching (state, allowed agent) wins.
var transitions = []Transition{
	{
		From:          schema.StateLeadReceived,
		Agent:         schema.AgentQualifier,
		SuccessState:  schema.StateQualified,
		FailState:     schema.StateFailed,
		EmitOnSuccess: schema.EventLeadQualified,
	},
	{
		From:          schema.StateQualified,
		Agent:         schema.AgentScheduler,
		SuccessState:  schema.StateMeetingScheduled,
		FailState:     schema.StateFollowingUp,
		EmitOnSuccess: schema.EventMeetingScheduled,
	},
	{
		From:          schema.StateFollowingUp,
		Agent:         schema.AgentFollowup,
		SuccessState:  schema.StateFollowingUp,
		FailState:     schema.StateEscalated,
		EmitOnSuccess: schema.EventFollowupRequired,
	},
	{
		From:          schema.StateQualified,
		Agent:         schema.AgentFollowup,
		SuccessState:  schema.StateFollowingUp,
		FailState:     schema.StateEscalated,
		EmitOnSuccess: schema.EventFollowupRequired,
	},
	{
		From:          schema.StateLeadReceived,
		Agent:         schema.AgentFollowup,
		SuccessState:  schema.StateFollowingUp,
		FailState:     schema.StateEscalated,
		EmitOnSuccess: schema.EventFollowupRequired,
	},
}

// Transitions returns a copy of the transition table in match order.
func Transitions() []Transition {
	return slices.Clone(transitions)
}

// FindTransition returns the first rule for state whose agent is in allowed.
func FindTransition(state schema.WorkflowState, allowed []schema.AgentType) (Transition, bool) {
	for _, t := range transitions {
		if t.From == state && slices.Contains(allowed, t.Agent) {
			return t, true
		}
	}
	return Transition{}, false
}

// IsTerminal reports whether no rule leaves state.
func IsTerminal(state schema.WorkflowState) bool {
	for _, t := range transitions {
		if t.From == state {
			return false
		}
	}
	return true
}
