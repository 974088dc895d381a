package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// DefaultMaskingStrategy is used when neither the rule nor the collection
// names a strategy.
const DefaultMaskingStrategy = "null_rewrite"

// Rule targets data categories for one action.
type Rule struct {
	Name            string            `json:"name" yaml:"name"`
	Action          domain.ActionType `json:"action" yaml:"action"`
	DataCategories  []string          `json:"data_categories,omitempty" yaml:"data_categories,omitempty"`
	MaskingStrategy string            `json:"masking_strategy,omitempty" yaml:"masking_strategy,omitempty"`
}

// Matches reports whether the rule targets the category. Rule categories
// match by dotted prefix, so "user.contact" covers "user.contact.email".
func (r Rule) Matches(category string) bool {
	for _, target := range r.DataCategories {
		if target == category || strings.HasPrefix(category, target+".") {
			return true
		}
	}
	return false
}

// Policy is the set of rules a privacy request executes under.
type Policy struct {
	Key              string   `json:"key" yaml:"key"`
	Rules            []Rule   `json:"rules" yaml:"rules"`
	RequiredWebhooks []string `json:"required_webhooks,omitempty" yaml:"required_webhooks,omitempty"`
}

// Validate checks rule actions and key presence.
func (p *Policy) Validate() error {
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: policy key is required", domain.ErrConfigInvalid)
	}
	for i, rule := range p.Rules {
		if !rule.Action.Valid() {
			return fmt.Errorf("%w: policy %s rule %d: unknown action %q", domain.ErrConfigInvalid, p.Key, i, rule.Action)
		}
		if rule.Action == domain.ActionErasure && len(rule.DataCategories) == 0 {
			return fmt.Errorf("%w: policy %s rule %d: erasure rules need data categories", domain.ErrConfigInvalid, p.Key, i)
		}
	}
	return nil
}

// RulesForAction returns the rules of the given action in declaration order.
func (p *Policy) RulesForAction(action domain.ActionType) []Rule {
	var out []Rule
	for _, rule := range p.Rules {
		if rule.Action == action {
			out = append(out, rule)
		}
	}
	return out
}

// HasAction reports whether any rule covers the action.
func (p *Policy) HasAction(action domain.ActionType) bool {
	return len(p.RulesForAction(action)) > 0
}

// MissingWebhooks lists the required webhooks without an input, in
// declaration order.
func (p *Policy) MissingWebhooks(inputs map[string]map[string]any) []string {
	var missing []string
	for _, id := range p.RequiredWebhooks {
		if _, ok := inputs[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// AppliesTo reports whether the collection holds data the action's rules
// target. Consent rules carry no categories and apply to every collection.
// An access rule without categories targets everything.
func (p *Policy) AppliesTo(collection domain.Collection, action domain.ActionType) bool {
	rules := p.RulesForAction(action)
	if len(rules) == 0 {
		return false
	}
	if action == domain.ActionConsent {
		return true
	}
	for _, rule := range rules {
		if len(rule.DataCategories) == 0 && action == domain.ActionAccess {
			return true
		}
		for _, field := range collection.Fields {
			for _, category := range field.DataCategories {
				if rule.Matches(category) {
					return true
				}
			}
		}
	}
	return false
}

// MaskingPlan maps each erasure-targeted field of the collection to a
// strategy. The collection's own override wins over the rule's strategy.
// Primary keys are never masked.
func (p *Policy) MaskingPlan(collection domain.Collection) domain.MaskingPlan {
	plan := domain.MaskingPlan{}
	for _, rule := range p.RulesForAction(domain.ActionErasure) {
		for _, field := range collection.Fields {
			if field.PrimaryKey {
				continue
			}
			if _, done := plan[field.Path]; done {
				continue
			}
			for _, category := range field.DataCategories {
				if !rule.Matches(category) {
					continue
				}
				plan[field.Path] = pickStrategy(collection.MaskingStrategy, rule.MaskingStrategy)
				break
			}
		}
	}
	return plan
}

// FilterRows projects access rows down to the fields the access rules target.
// Identity and primary-key fields are always retained.
func (p *Policy) FilterRows(collection domain.Collection, rows []domain.Row) []domain.Row {
	rules := p.RulesForAction(domain.ActionAccess)
	keep := map[string]bool{}
	for _, field := range collection.Fields {
		if field.PrimaryKey || field.Identity != "" {
			keep[topLevel(field.Path)] = true
			continue
		}
		for _, rule := range rules {
			if len(rule.DataCategories) == 0 {
				keep[topLevel(field.Path)] = true
				break
			}
			matched := false
			for _, category := range field.DataCategories {
				if rule.Matches(category) {
					matched = true
					break
				}
			}
			if matched {
				keep[topLevel(field.Path)] = true
				break
			}
		}
	}

	out := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		projected := make(domain.Row, len(keep))
		for key, value := range row {
			if keep[key] {
				projected[key] = value
			}
		}
		out = append(out, projected)
	}
	return out
}

func topLevel(path domain.FieldPath) string {
	segments := path.Segments()
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

func pickStrategy(override, rule string) string {
	switch {
	case override != "":
		return override
	case rule != "":
		return rule
	default:
		return DefaultMaskingStrategy
	}
}

// Provider resolves policies by key.
type Provider interface {
	Policy(ctx context.Context, key string) (*Policy, error)
}

// MemoryProvider is a Provider backed by a map. Safe for concurrent use.
type MemoryProvider struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryProvider validates and stores the supplied policies.
func NewMemoryProvider(policies ...Policy) (*MemoryProvider, error) {
	p := &MemoryProvider{policies: make(map[string]*Policy, len(policies))}
	if err := p.Replace(policies); err != nil {
		return nil, err
	}
	return p, nil
}

// Policy implements Provider.
func (p *MemoryProvider) Policy(_ context.Context, key string) (*Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	policy, ok := p.policies[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPolicyNotFound, key)
	}
	return policy, nil
}

// Replace swaps the full policy set atomically.
func (p *MemoryProvider) Replace(policies []Policy) error {
	next := make(map[string]*Policy, len(policies))
	for i := range policies {
		policy := policies[i]
		if err := policy.Validate(); err != nil {
			return err
		}
		if _, dup := next[policy.Key]; dup {
			return fmt.Errorf("%w: duplicate policy %s", domain.ErrConfigInvalid, policy.Key)
		}
		next[policy.Key] = &policy
	}
	p.mu.Lock()
	p.policies = next
	p.mu.Unlock()
	return nil
}

// Keys lists the configured policy keys in sorted order.
func (p *MemoryProvider) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.policies))
	for key := range p.policies {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
