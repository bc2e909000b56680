package schema

// WorkflowState is the FSM state of a workflow.
type WorkflowState string

const (
	StateLeadReceived     WorkflowState = "lead_received"
	StateQualifying       WorkflowState = "qualifying"
	StateQualified        WorkflowState = "qualified"
	StateScheduling       WorkflowState = "scheduling"
	StateMeetingScheduled WorkflowState = "meeting_scheduled"
	StateFollowingUp      WorkflowState = "following_up"
	StateEscalated        WorkflowState = "escalated"
	StateCompleted        WorkflowState = "completed"
	StateFailed           WorkflowState = "failed"
)

// WorkflowStates lists every state in declaration order.
var WorkflowStates = []WorkflowState{
	StateLeadReceived,
	StateQualifying,
	StateQualified,
	StateScheduling,
	StateMeetingScheduled,
	StateFollowingUp,
	StateEscalated,
	StateCompleted,
	StateFailed,
}

// Valid reports whether s belongs to the closed state set.
func (s WorkflowState) Valid() bool {
	for _, known := range WorkflowStates {
		if s == known {
			return true
		}
	}
	return false
}

// WorkflowType selects the process variant of a product.
type WorkflowType string

const (
	WorkflowTypeLead          WorkflowType = "lead_flow"
	WorkflowTypeFollowup      WorkflowType = "followup_flow"
	WorkflowTypeQualification WorkflowType = "qualification_flow"
)

// AgentType names an agent. The set is open: any registered name is valid.
type AgentType string

const (
	AgentQualifier AgentType = "qualifier"
	AgentScheduler AgentType = "scheduler"
	AgentFollowup  AgentType = "followup"
)

// ProductConfig is the static configuration of one SaaS product.
type ProductConfig struct {
	Name              string       `json:"name" mapstructure:"name"`
	Slug              string       `json:"slug" mapstructure:"slug"`
	AllowedAgents     []AgentType  `json:"allowedAgents" mapstructure:"allowed_agents"`
	PrimaryGoal       string       `json:"primaryGoal" mapstructure:"primary_goal"`
	MonetizationEvent EventType    `json:"monetizationEvent" mapstructure:"monetization_event"`
	WorkflowType      WorkflowType `json:"workflowType" mapstructure:"workflow_type"`
}
