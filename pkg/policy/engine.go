package policy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/glyphcloak/pkg/cache"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default decision path (e.g. "glyphcloak/decision").
	Entrypoint string
	// Modules contains the Rego modules to load. Empty selects DefaultModule.
	Modules map[string]string
	// BlockedAgents is passed to every evaluation as input.blocked_agents.
	BlockedAgents []string
	// CacheMaxEntries bounds the decision cache; the oldest decision is
	// evicted first. Zero selects the default size, negative disables it.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates cloaking decisions using an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	blocked       []string
	cache         *cache.Cache[Decision]
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "glyphcloak/decision"
	defaultCacheCapacity = 1024
)

// NewEngine parses the modules and prepares the default entrypoint.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"glyphcloak.rego": DefaultModule}
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var decisions *cache.Cache[Decision]
	if maxEntries > 0 {
		decisions = cache.New[Decision](maxEntries)
	}

	order := slices.Sorted(maps.Keys(modules))
	parsed := make(map[string]*ast.Module, len(modules))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	engine := &Engine{
		moduleOrder:   order,
		parsedModules: parsed,
		entrypoint:    entry,
		blocked:       slices.Clone(opts.BlockedAgents),
		cache:         decisions,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	// Warm the default entrypoint to surface syntax errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Evaluate runs the policy for input and converts the result.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	cacheKey, shouldCache := e.cacheKey(entry, input)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"host":           input.Host,
		"path":           input.Path,
		"method":         input.Method,
		"user_agent":     input.UserAgent,
		"content_type":   input.ContentType,
		"attributes":     maps.Clone(input.Attributes),
		"blocked_agents": slices.Clone(e.blocked),
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.Debug("policy returned no result, cloaking", "entrypoint", entry)
		return Decision{Action: ActionCloak, Metadata: map[string]string{}}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	action, err := parseAction(decisionPayload["action"])
	if err != nil {
		return Decision{}, err
	}
	reason, _ := decisionPayload["reason"].(string)

	decision := Decision{
		Action:   action,
		Reason:   reason,
		Skip:     parseStrings(decisionPayload["skip"]),
		Metadata: parseMetadata(decisionPayload["metadata"]),
		Outputs:  extractDecisionOutputs(decisionPayload),
	}
	e.logger.Debug("policy decision", "entrypoint", entry, "path", input.Path, "action", decision.Action)

	if shouldCache {
		e.cache.Put(cacheKey, cloneDecision(decision))
	}
	return decision, nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey joins the request fields a decision depends on. Inputs carrying
// free-form attributes are never cached.
func (e *Engine) cacheKey(entry string, input Input) (string, bool) {
	if e.cache == nil || input.DisableCache || len(input.Attributes) > 0 {
		return "", false
	}
	return strings.Join([]string{entry, input.Host, input.Path, input.Method, input.UserAgent, input.ContentType}, "\x00"), true
}

func cloneDecision(dec Decision) Decision {
	return Decision{
		Action:   dec.Action,
		Reason:   dec.Reason,
		Skip:     slices.Clone(dec.Skip),
		Metadata: maps.Clone(dec.Metadata),
		Outputs:  maps.Clone(dec.Outputs),
	}
}

func parseMetadata(value any) map[string]string {
	switch typed := value.(type) {
	case map[string]string:
		return maps.Clone(typed)
	case map[string]any:
		result := make(map[string]string, len(typed))
		for key, raw := range typed {
			if str, ok := raw.(string); ok {
				result[key] = str
			}
		}
		return result
	default:
		return map[string]string{}
	}
}

func parseStrings(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func extractDecisionOutputs(payload map[string]any) map[string]any {
	outputs := make(map[string]any)
	for key, value := range payload {
		switch strings.ToLower(key) {
		case "action", "reason", "metadata", "skip":
			continue
		default:
			outputs[key] = value
		}
	}
	return outputs
}
