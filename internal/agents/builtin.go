package agents

import (
	"github.com/rendis/leadflow/internal/expressions"
	"github.com/rendis/leadflow/internal/validation"
	"github.com/rendis/leadflow/pkg/schema"
)

const qualifierSystem = `You are a lead qualification agent for a B2B SaaS system.

Your job is to analyze incoming lead data and produce a qualification assessment.

You MUST respond with ONLY a valid JSON object in this exact schema:
{
  "score": <number 0-100>,
  "qualificationReason": "<string explaining why>",
  "nextAction": "<one of: schedule_meeting | followup | disqualify>"
}

Scoring guidelines:
- 80-100: Hot lead, schedule meeting immediately
- 50-79: Warm lead, follow up with more info
- 0-49: Cold or unqualified, disqualify

Consider: company size, role seniority, stated intent, budget signals, timeline.
Do NOT include any text outside the JSON object.`

const schedulerSystem = `You are a meeting scheduling agent for a B2B SaaS system.

Your job is to analyze lead data and available time slots, then decide on scheduling.

You MUST respond with ONLY a valid JSON object in this exact schema:
{
  "meetingScheduled": <boolean>,
  "proposedTime": "<ISO 8601 datetime string or null>",
  "reason": "<string explaining the decision>"
}

Guidelines:
- If availability data and lead data are sufficient, schedule the meeting.
- Prefer morning slots (9-11am) for first meetings.
- If no availability is provided, set meetingScheduled to false and explain.
- Never double-book a slot.
Do NOT include any text outside the JSON object.`

const followupSystem = `You are a follow-up message agent for a B2B SaaS system.

Your job is to craft the next follow-up message for a lead based on their status and interaction history.

You MUST respond with ONLY a valid JSON object in this exact schema:
{
  "message": "<the follow-up message text>",
  "channel": "<one of: email | sms>",
  "escalate": <boolean>
}

Guidelines:
- Keep messages concise, professional, and personalized.
- If lead has not responded after 3+ attempts, set escalate to true.
- Use email by default, SMS only for urgent/time-sensitive situations.
- Never be pushy or aggressive. Be helpful.
- Reference previous interactions when available.
Do NOT include any text outside the JSON object.`

// Output contracts, one per agent type.
const (
	QualifierOutputSchema = `{
  "type": "object",
  "required": ["score", "qualificationReason", "nextAction"],
  "properties": {
    "score": { "type": "number", "minimum": 0, "maximum": 100 },
    "qualificationReason": { "type": "string", "minLength": 1 },
    "nextAction": { "enum": ["schedule_meeting", "followup", "disqualify"] }
  }
}`

	SchedulerOutputSchema = `{
  "type": "object",
  "required": ["meetingScheduled"],
  "properties": {
    "meetingScheduled": { "type": "boolean" },
    "proposedTime": { "type": ["string", "null"] },
    "reason": { "type": "string" },
    "meetingId": { "type": "string" },
    "leadEmail": { "type": "string" }
  },
  "if": { "properties": { "meetingScheduled": { "const": true } } },
  "then": {
    "required": ["proposedTime"],
    "properties": { "proposedTime": { "type": "string", "minLength": 1 } }
  }
}`

	FollowupOutputSchema = `{
  "type": "object",
  "required": ["message", "channel", "escalate"],
  "properties": {
    "message": { "type": "string", "minLength": 1 },
    "channel": { "enum": ["email", "sms"] },
    "escalate": { "type": "boolean" },
    "leadEmail": { "type": "string" }
  }
}`
)

// LLMSpecs returns the model-backed definitions of the three built-in agents.
func LLMSpecs() []LLMSpec {
	return []LLMSpec{
		{
			Type:         schema.AgentQualifier,
			System:       qualifierSystem,
			Instruction:  "Qualify this lead",
			OutputSchema: QualifierOutputSchema,
		},
		{
			Type:         schema.AgentScheduler,
			System:       schedulerSystem,
			Instruction:  "Schedule a meeting based on this data",
			OutputSchema: SchedulerOutputSchema,
			Enrich:       withLeadEmail,
		},
		{
			Type:         schema.AgentFollowup,
			System:       followupSystem,
			Instruction:  "Generate a follow-up for this lead",
			OutputSchema: FollowupOutputSchema,
			Enrich:       withLeadEmail,
		},
	}
}

// RuleSpecs returns deterministic definitions of the three built-in agents.
// They need no model and back agents.mode=rules.
func RuleSpecs() []RuleSpec {
	return []RuleSpec{
		{
			Type: schema.AgentQualifier,
			Projection: `{
				email: (.email // ""),
				budget: ((.budget // 0) | tonumber? // 0),
				employees: ((.employees // .companySize // 0) | tonumber? // 0),
				company: (.company // ""),
				title: ((.title // .role // "") | tostring | ascii_downcase),
				intent: ((.message // .notes // "") | tostring | ascii_downcase),
				hasPhone: ((.phone // "") != "")
			}`,
			Fields: []RuleField{
				{Name: "score", Expr: `min(100,
					(budget >= 10000 ? 35 : budget >= 1000 ? 20 : 0) +
					(employees >= 50 ? 20 : employees >= 10 ? 10 : 0) +
					(company != "" ? 10 : 0) +
					(title matches "(ceo|cto|founder|owner|vp|head|director)" ? 20 : 0) +
					(intent contains "demo" || intent contains "meeting" || intent contains "pricing" ? 15 : 0) +
					(hasPhone ? 5 : 0))`},
				{Name: "nextAction", Expr: `score >= 80 ? "schedule_meeting" : score >= 50 ? "followup" : "disqualify"`},
				{Name: "qualificationReason", Expr: `(score >= 80 ? "hot" : score >= 50 ? "warm" : "cold") + " lead, rule score " + string(score)`},
			},
			Guard:        `data.email != ""`,
			OutputSchema: QualifierOutputSchema,
		},
		{
			Type: schema.AgentScheduler,
			Projection: `{
				email: (.email // ""),
				slot: (.preferredTime // (.availability // [])[0] // "")
			}`,
			Fields: []RuleField{
				{Name: "meetingScheduled", Expr: `slot != ""`},
				{Name: "proposedTime", Expr: `slot != "" ? slot : nil`},
				{Name: "reason", Expr: `slot != "" ? "first slot offered by the lead" : "no availability provided"`},
			},
			Guard:        `data.email != ""`,
			OutputSchema: SchedulerOutputSchema,
			Enrich:       withLeadEmail,
		},
		{
			Type: schema.AgentFollowup,
			Projection: `{
				attempts: ((.followupAttempts // 0) | tonumber? // 0),
				name: (.name // "there"),
				urgent: (.urgent // false)
			}`,
			Fields: []RuleField{
				{Name: "escalate", Expr: `attempts >= 3`},
				{Name: "channel", Expr: `urgent ? "sms" : "email"`},
				{Name: "message", Expr: `"Hi " + name + ", just following up on your interest. Would a short call this week help?"`},
			},
			OutputSchema: FollowupOutputSchema,
			Enrich:       withLeadEmail,
		},
	}
}

// Mode selects how built-in agents are backed.
const (
	ModeLLM   = "llm"
	ModeRules = "rules"
)

// RegisterBuiltins registers the three built-in agents on r, model-backed when
// mode is ModeLLM and rule-backed otherwise.
func RegisterBuiltins(r *Registry, mode string, client ModelClient, maxTokens int,
	validator validation.Validator, engines *expressions.Engines) error {
	if mode == ModeLLM {
		if client == nil {
			return schema.NewError(schema.ErrCodeValidation, "llm agent mode requires a model client")
		}
		for _, spec := range LLMSpecs() {
			if err := r.Register(NewLLMAgent(spec, client, validator, maxTokens)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, spec := range RuleSpecs() {
		if err := r.Register(NewRuleAgent(spec, engines, validator)); err != nil {
			return err
		}
	}
	return nil
}
