// Package rules exposes static per-product configuration: which agents a
// product may run, its workflow type, goal and monetization event.
package rules

import (
	"fmt"
	"slices"

	"github.com/rendis/leadflow/pkg/schema"
)

// Source resolves the rules that apply to a tenant.
type Source interface {
	ForTenant(tenantID string) *Provider
}

// Provider is a read-only view over one ProductConfig. It is safe for concurrent use.
type Provider struct {
	cfg schema.ProductConfig
}

// NewProvider validates cfg and returns an immutable Provider over a copy of it.
func NewProvider(cfg schema.ProductConfig) (*Provider, error) {
	if err := Validate(cfg).ToError(); err != nil {
		return nil, err
	}
	cfg.AllowedAgents = slices.Clone(cfg.AllowedAgents)
	return &Provider{cfg: cfg}, nil
}

// MustProvider is like NewProvider but panics on invalid configuration.
func MustProvider(cfg schema.ProductConfig) *Provider {
	p, err := NewProvider(cfg)
	if err != nil {
		panic(fmt.Sprintf("rules: %v", err))
	}
	return p
}

// ForTenant returns p for every tenant, so a single Provider is itself a Source.
func (p *Provider) ForTenant(string) *Provider { return p }

func (p *Provider) Name() string                        { return p.cfg.Name }
func (p *Provider) Slug() string                        { return p.cfg.Slug }
func (p *Provider) WorkflowType() schema.WorkflowType   { return p.cfg.WorkflowType }
func (p *Provider) PrimaryGoal() string                 { return p.cfg.PrimaryGoal }
func (p *Provider) MonetizationEvent() schema.EventType { return p.cfg.MonetizationEvent }

// IsAgentAllowed reports whether the product enables agent.
func (p *Provider) IsAgentAllowed(agent schema.AgentType) bool {
	return slices.Contains(p.cfg.AllowedAgents, agent)
}

// AllowedAgents returns a copy of the enabled agents in configured order.
func (p *Provider) AllowedAgents() []schema.AgentType {
	return slices.Clone(p.cfg.AllowedAgents)
}

// IsMonetizationEvent reports whether eventType is the product's billable event.
func (p *Provider) IsMonetizationEvent(eventType schema.EventType) bool {
	return eventType == p.cfg.MonetizationEvent
}

// Config returns a snapshot of the configuration. Mutating it does not affect p.
func (p *Provider) Config() schema.ProductConfig {
	cfg := p.cfg
	cfg.AllowedAgents = slices.Clone(p.cfg.AllowedAgents)
	return cfg
}

// Validate checks a product configuration.
func Validate(cfg schema.ProductConfig) *schema.ValidationResult {
	r := &schema.ValidationResult{}
	if cfg.Slug == "" {
		r.AddError("slug", "must not be empty")
	}
	switch cfg.WorkflowType {
	case schema.WorkflowTypeLead, schema.WorkflowTypeFollowup, schema.WorkflowTypeQualification:
	default:
		r.AddError("workflowType", "unknown workflow type %q", cfg.WorkflowType)
	}
	if cfg.MonetizationEvent != "" && !cfg.MonetizationEvent.Valid() {
		r.AddError("monetizationEvent", "unknown event type %q", cfg.MonetizationEvent)
	}
	if cfg.PrimaryGoal == "" {
		r.AddWarning("primaryGoal", "no goal configured")
	}
	if len(cfg.AllowedAgents) == 0 {
		r.AddWarning("allowedAgents", "no agents enabled; workflows will stall at creation")
	}
	seen := make(map[schema.AgentType]bool, len(cfg.AllowedAgents))
	for i, a := range cfg.AllowedAgents {
		path := fmt.Sprintf("allowedAgents[%d]", i)
		if a == "" {
			r.AddError(path, "empty agent name")
			continue
		}
		if seen[a] {
			r.AddError(path, "duplicate agent %q", a)
		}
		seen[a] = true
	}
	return r
}
