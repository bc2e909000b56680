package rules

import (
	"sort"
	"sync"

	"github.com/rendis/leadflow/pkg/schema"
)

// Built-in product configurations.
var (
	Booker = schema.ProductConfig{
		Name:              "AI Booker",
		Slug:              "saas-booker",
		AllowedAgents:     []schema.AgentType{schema.AgentQualifier, schema.AgentScheduler, schema.AgentFollowup},
		PrimaryGoal:       "book_meeting",
		MonetizationEvent: schema.EventMeetingConfirmed,
		WorkflowType:      schema.WorkflowTypeLead,
	}
	Followup = schema.ProductConfig{
		Name:              "AI FollowUp Automation",
		Slug:              "saas-followup",
		AllowedAgents:     []schema.AgentType{schema.AgentFollowup},
		PrimaryGoal:       "automate_followups",
		MonetizationEvent: schema.EventMeetingConfirmed,
		WorkflowType:      schema.WorkflowTypeFollowup,
	}
	LeadQualifier = schema.ProductConfig{
		Name:              "AI Lead Qualifier",
		Slug:              "saas-leadqualifier",
		AllowedAgents:     []schema.AgentType{schema.AgentQualifier, schema.AgentFollowup},
		PrimaryGoal:       "qualify_lead",
		MonetizationEvent: schema.EventLeadQualified,
		WorkflowType:      schema.WorkflowTypeQualification,
	}
)

// BuiltinProducts returns the built-in product configurations.
func BuiltinProducts() []schema.ProductConfig {
	return []schema.ProductConfig{Booker, Followup, LeadQualifier}
}

// Catalog maps tenants to products. Tenants without an explicit mapping use
// the default product. Safe for concurrent use.
type Catalog struct {
	mu        sync.RWMutex
	products  map[string]*Provider
	tenants   map[string]string
	defaultPr *Provider
}

// NewCatalog builds a catalog from product configs. defaultSlug must name one of them.
func NewCatalog(products []schema.ProductConfig, defaultSlug string) (*Catalog, error) {
	c := &Catalog{
		products: make(map[string]*Provider, len(products)),
		tenants:  make(map[string]string),
	}
	for _, cfg := range products {
		p, err := NewProvider(cfg)
		if err != nil {
			return nil, err
		}
		if _, dup := c.products[p.Slug()]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "product %q defined twice", p.Slug())
		}
		c.products[p.Slug()] = p
	}
	def, ok := c.products[defaultSlug]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "default product %q not in catalog", defaultSlug)
	}
	c.defaultPr = def
	return c, nil
}

// AssignTenant routes tenantID to the product with the given slug.
func (c *Catalog) AssignTenant(tenantID, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.products[slug]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "product %q not in catalog", slug)
	}
	c.tenants[tenantID] = slug
	return nil
}

// ForTenant returns the tenant's product rules, or the default product.
func (c *Catalog) ForTenant(tenantID string) *Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if slug, ok := c.tenants[tenantID]; ok {
		return c.products[slug]
	}
	return c.defaultPr
}

// Product returns the provider for slug.
func (c *Catalog) Product(slug string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[slug]
	return p, ok
}

// Default returns the default product's provider.
func (c *Catalog) Default() *Provider { return c.defaultPr }

// Slugs returns all product slugs sorted alphabetically.
func (c *Catalog) Slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.products))
	for slug := range c.products {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
