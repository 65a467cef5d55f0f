package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Gate evaluates rego policies against every chunk immediately before
// dispatch. It implements engine.ChunkGate: deny decisions block the chunk
// the way a failed requisite would, warn decisions ride along as result
// comments.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	loader   *Loader
	logger   zerolog.Logger
	builtin  []Policy

	runName string
	test    bool
	invert  bool
}

// compiledPolicy is one policy with its prepared query.
type compiledPolicy struct {
	policy   *Policy
	path     string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Options configure a gate for one run.
type Options struct {
	// RunName labels the evaluation input so policies can key decisions to
	// specific runs.
	RunName string

	// Test marks the run as a dry run in the evaluation input.
	Test bool

	// Invert mirrors the run's invert flag so the input's operation matches
	// the function that will actually dispatch.
	Invert bool

	// Paths lists policy files or directories loaded on top of the
	// built-in set. A loaded policy with a built-in's name replaces it.
	Paths []string
}

// NewGate creates a policy gate with the built-in policies compiled and any
// configured paths loaded.
func NewGate(ctx context.Context, logger zerolog.Logger, opts Options) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		loader:   NewLoader(logger),
		logger:   logger.With().Str("component", "policy-gate").Logger(),
		builtin:  BuiltinPolicies(),
		runName:  opts.RunName,
		test:     opts.Test,
		invert:   opts.Invert,
	}

	for i := range g.builtin {
		cp, err := compilePolicy(ctx, g.store, &g.builtin[i])
		if err != nil {
			return nil, fmt.Errorf("compile built-in policy %s: %w", g.builtin[i].Name, err)
		}
		g.policies[cp.policy.Name] = cp
	}

	if len(opts.Paths) > 0 {
		if err := g.LoadPaths(ctx, opts.Paths); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// Admit decides whether the chunk may execute. Warnings from firing warn
// rules are returned as notes either way; any firing deny rule blocks the
// chunk with a permanent POLICY_DENIED error.
func (g *Gate) Admit(ctx context.Context, chunk *engine.Chunk) ([]string, error) {
	verdict, err := g.Evaluate(ctx, chunk)
	if err != nil {
		return nil, err
	}
	if !verdict.Blocked() {
		return verdict.Warnings, nil
	}
	denied := engine.NewPermanentError(
		"blocked by admission policy",
		errors.New(strings.Join(verdict.Denials, "; ")),
	).WithCode(engine.ErrCodePolicyDenied).WithResource(chunk.ID).WithOperation(g.operationFor(chunk))
	return verdict.Warnings, denied
}

// Evaluate runs every enabled policy against the chunk and collects the
// deny and warn decisions. A policy that fails to evaluate is reported as a
// warning instead of blocking the run.
func (g *Gate) Evaluate(ctx context.Context, chunk *engine.Chunk) (*Verdict, error) {
	start := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	input := &Input{
		Chunk:     chunk,
		Operation: g.operationFor(chunk),
		Test:      g.test,
		RunName:   g.runName,
	}

	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	verdict := &Verdict{}
	for _, name := range names {
		cp := g.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		verdict.Evaluated = append(verdict.Evaluated, name)

		denies, warns, err := evalPolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Error().Err(err).
				Str("policy", name).
				Str("chunk", chunk.ID).
				Msg("Policy evaluation failed")
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, d := range denies {
			verdict.Denials = append(verdict.Denials, fmt.Sprintf("Policy %s denied: %s", name, d))
		}
		for _, w := range warns {
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("Policy %s: %s", name, w))
		}
	}
	verdict.Duration = time.Since(start)

	g.logger.Debug().
		Str("chunk", chunk.ID).
		Int("denials", len(verdict.Denials)).
		Int("warnings", len(verdict.Warnings)).
		Dur("duration", verdict.Duration).
		Msg("Chunk policy evaluation completed")

	return verdict, nil
}

// LoadPaths loads and compiles policy files into the live set. A loaded
// policy replaces any existing policy of the same name.
func (g *Gate) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range policies {
		cp, err := compilePolicy(ctx, g.store, &policies[i])
		if err != nil {
			return fmt.Errorf("compile policy %s: %w", policies[i].Name, err)
		}
		g.policies[cp.policy.Name] = cp
	}

	g.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")

	return nil
}

// Watch hot-reloads the gate whenever a policy file under paths changes.
// Each reload recompiles the built-ins plus the freshly loaded files into a
// new set and swaps it in atomically; a reload that fails to compile leaves
// the previous set serving.
func (g *Gate) Watch(ctx context.Context, paths []string) error {
	return g.loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.replaceAll(ctx, policies)
	})
}

// StopWatching stops the file watcher started by Watch.
func (g *Gate) StopWatching() error {
	return g.loader.StopWatching()
}

// ReloadPolicies discards every loaded policy and recompiles the built-in
// set. File-based policies must be loaded again afterwards.
func (g *Gate) ReloadPolicies(ctx context.Context) error {
	return g.replaceAll(ctx, nil)
}

// replaceAll compiles the built-ins plus custom into a fresh set and swaps
// it in. The live set is untouched when any compile fails.
func (g *Gate) replaceAll(ctx context.Context, custom []Policy) error {
	next := make(map[string]*compiledPolicy, len(g.builtin)+len(custom))
	for i := range g.builtin {
		cp, err := compilePolicy(ctx, g.store, &g.builtin[i])
		if err != nil {
			return fmt.Errorf("compile built-in policy %s: %w", g.builtin[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}
	for i := range custom {
		cp, err := compilePolicy(ctx, g.store, &custom[i])
		if err != nil {
			return fmt.Errorf("compile policy %s: %w", custom[i].Name, err)
		}
		next[cp.policy.Name] = cp
	}

	g.mu.Lock()
	g.policies = next
	g.mu.Unlock()

	g.logger.Info().
		Int("count", len(next)).
		Msg("Policy set replaced")

	return nil
}

// GetPolicy returns a policy by name.
func (g *Gate) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (g *Gate) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (g *Gate) EnablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = true
	g.logger.Info().Str("policy", name).Msg("Policy enabled")
	return nil
}

// DisablePolicy disables a policy by name.
func (g *Gate) DisablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	g.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}

// operationFor is the function that will actually dispatch for the chunk.
func (g *Gate) operationFor(chunk *engine.Chunk) string {
	if g.invert {
		return engine.InvertFun(chunk.Fun)
	}
	return chunk.Fun
}

// compilePolicy parses the module to find its package path and prepares one
// query for the whole package document. Deny and warn sets are read out of
// the evaluated document, so a policy may define either rule, both, or
// neither.
func compilePolicy(ctx context.Context, store storage.Store, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("parse rego: %w", err)
	}
	path := module.Package.Path.String()

	query, err := rego.New(
		rego.Query(path),
		rego.Module(p.Name, p.Rego),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare query %s: %w", path, err)
	}

	return &compiledPolicy{
		policy:   p,
		path:     path,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// evalPolicy evaluates one prepared policy and extracts its decisions.
func evalPolicy(ctx context.Context, cp *compiledPolicy, input *Input) (denies, warns []string, err error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil, nil
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, nil, nil
	}
	return decisionTexts(doc["deny"]), decisionTexts(doc["warn"]), nil
}

// decisionTexts flattens a deny or warn set into message strings. Decisions
// may be plain strings or objects carrying a message field.
func decisionTexts(v interface{}) []string {
	entries, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		switch d := entry.(type) {
		case string:
			out = append(out, d)
		case map[string]interface{}:
			if msg, ok := d["message"].(string); ok {
				out = append(out, msg)
				continue
			}
			out = append(out, fmt.Sprintf("%v", d))
		default:
			out = append(out, fmt.Sprintf("%v", d))
		}
	}
	return out
}
