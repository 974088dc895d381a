package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "privacy/node").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates node decisions using an embedded OPA instance.
type Engine struct {
	entrypoint string
	query      rego.PreparedEvalQuery
	cache      *lru[string, Decision]
	logger     *slog.Logger
}

// NodeInput is the document a Rego module sees as `input`.
type NodeInput struct {
	PolicyKey      string            `json:"policy_key"`
	Action         domain.ActionType `json:"action"`
	Dataset        string            `json:"dataset"`
	Collection     string            `json:"collection"`
	ConnectionKey  string            `json:"connection_key"`
	DataCategories []string          `json:"data_categories"`
	SkipProcessing bool              `json:"skip_processing"`
}

// Decision is the result of a node evaluation. Modules return
// {"exclude": bool, "reason": string}; an undefined result keeps the node.
type Decision struct {
	Exclude bool
	Reason  string
}

const (
	defaultEntrypoint    = "privacy/node"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the entrypoint query.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}
	entry := strings.Trim(strings.TrimSpace(opts.Entrypoint), "/")
	if entry == "" {
		entry = defaultEntrypoint
	}

	regoOpts := []func(*rego.Rego){rego.Query("data." + strings.ReplaceAll(entry, "/", "."))}
	names := slices.Sorted(maps.Keys(opts.Modules))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}
	query, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	e := &Engine{
		entrypoint: entry,
		query:      query,
		logger:     opts.Logger,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	switch size := opts.CacheMaxEntries; {
	case size == 0:
		e.cache = newLRU[string, Decision](defaultCacheCapacity)
	case size > 0:
		e.cache = newLRU[string, Decision](size)
	}
	return e, nil
}

// Evaluate runs the entrypoint against the node input. Decisions are cached
// per distinct input until FlushCache.
func (e *Engine) Evaluate(ctx context.Context, input NodeInput) (Decision, error) {
	key := decisionKey(input)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input.document()))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	var decision Decision
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if decision, err = parseDecision(results[0].Expressions[0].Value); err != nil {
			return Decision{}, err
		}
	}

	e.logger.Debug("Rego node decision",
		"entrypoint", e.entrypoint,
		"collection", input.Dataset+":"+input.Collection,
		"action", input.Action,
		"exclude", decision.Exclude,
		"reason", decision.Reason)

	if e.cache != nil {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// decisionKey identifies an input regardless of category order.
func decisionKey(input NodeInput) string {
	categories := slices.Clone(input.DataCategories)
	slices.Sort(categories)
	return strings.Join([]string{
		input.PolicyKey,
		string(input.Action),
		input.Dataset,
		input.Collection,
		input.ConnectionKey,
		strconv.FormatBool(input.SkipProcessing),
		strings.Join(categories, ","),
	}, "\x00")
}

func parseDecision(value any) (Decision, error) {
	payload, ok := value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", value)
	}
	var decision Decision
	if raw, ok := payload["exclude"]; ok && raw != nil {
		exclude, ok := raw.(bool)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: exclude must be bool, got %T", raw)
		}
		decision.Exclude = exclude
	}
	decision.Reason, _ = payload["reason"].(string)
	return decision, nil
}

// document converts the input to the plain JSON types OPA expects.
func (input NodeInput) document() map[string]any {
	categories := make([]any, len(input.DataCategories))
	for i, c := range input.DataCategories {
		categories[i] = c
	}
	return map[string]any{
		"policy_key":      input.PolicyKey,
		"action":          string(input.Action),
		"dataset":         input.Dataset,
		"collection":      input.Collection,
		"connection_key":  input.ConnectionKey,
		"data_categories": categories,
		"skip_processing": input.SkipProcessing,
	}
}

// RegoFilter adapts an Engine to graph.NodeFilter for one request.
type RegoFilter struct {
	Engine    *Engine
	PolicyKey string
	Action    domain.ActionType
}

// Name implements graph.NodeFilter.
func (RegoFilter) Name() string { return "rego_policy" }

// Excludes implements graph.NodeFilter.
func (f RegoFilter) Excludes(ctx context.Context, node graph.Node) (bool, error) {
	if f.Engine == nil {
		return false, nil
	}
	decision, err := f.Engine.Evaluate(ctx, NodeInput{
		PolicyKey:      f.PolicyKey,
		Action:         f.Action,
		Dataset:        node.Address.Dataset,
		Collection:     node.Address.Collection,
		ConnectionKey:  node.ConnectionKey,
		DataCategories: categoriesOf(node.Collection),
		SkipProcessing: node.Collection.SkipProcessing,
	})
	if err != nil {
		return false, err
	}
	return decision.Exclude, nil
}

var _ graph.NodeFilter = RegoFilter{}

func categoriesOf(collection domain.Collection) []string {
	seen := map[string]bool{}
	var out []string
	for _, field := range collection.Fields {
		for _, c := range field.DataCategories {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}
