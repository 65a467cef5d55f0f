package config

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"
)

// Compiler turns gathered state documents into the low chunk list a run
// executes. The pipeline mirrors the classic high data compile: extend
// merge, requisite reversal, verification, lowering and ordering, followed
// by parameter schema validation.
type Compiler struct {
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewCompiler returns a compiler with the built-in parameter schemas
// registered.
func NewCompiler() *Compiler {
	return &Compiler{
		schemas:  NewSchemaRegistry(),
		validate: validator.New(),
	}
}

// SchemaRegistry exposes the parameter schema registry so provider hosts
// can register plugin-declared schemas before compiling.
func (c *Compiler) SchemaRegistry() *SchemaRegistry {
	return c.schemas
}

// CompileResult is the outcome of one compile. Low is populated only when
// Errors is empty.
type CompileResult struct {
	// High is the merged declaration set, post extend and reversal.
	High *HighData `json:"high"`

	// Low is the ordered chunk list ready for sequencing.
	Low []*engine.Chunk `json:"low,omitempty"`

	// Errors holds every gathering and compile error.
	Errors []CompileError `json:"errors,omitempty"`
}

// Compile gathers the requested refs and compiles them down to chunks.
func (c *Compiler) Compile(ctx context.Context, opts Options) (*CompileResult, error) {
	if err := c.validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid compile options: %w", err)
	}
	if len(opts.Refs) == 0 {
		return nil, fmt.Errorf("at least one SLS ref is required")
	}
	loader := NewLoader(opts.Sources, NewStarlarkEvaluator(opts.StarlarkTimeout), opts.Params)
	high, errs := loader.Gather(ctx, opts.Refs)
	return c.compileHigh(ctx, high, errs)
}

// CompileContent compiles a single in-memory document. Includes resolve
// against opts.Sources; the ref names the document and selects its format.
func (c *Compiler) CompileContent(ctx context.Context, ref string, content []byte, opts Options) (*CompileResult, error) {
	if err := c.validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid compile options: %w", err)
	}
	loader := NewLoader(opts.Sources, NewStarlarkEvaluator(opts.StarlarkTimeout), opts.Params)
	high, errs := loader.GatherContent(ctx, ref, content)
	return c.compileHigh(ctx, high, errs)
}

func (c *Compiler) compileHigh(ctx context.Context, high *HighData, errs []CompileError) (*CompileResult, error) {
	res := &CompileResult{High: high}
	errs = append(errs, applyExtends(high)...)
	errs = append(errs, reverseRequisites(high)...)
	errs = append(errs, verifyHigh(high)...)
	if len(errs) > 0 {
		res.Errors = errs
		return res, nil
	}
	low, lowErrs := lowerHigh(high)
	errs = append(errs, lowErrs...)
	for _, ch := range low {
		errs = append(errs, c.schemas.ValidateChunk(ctx, ch)...)
	}
	if len(errs) > 0 {
		res.Errors = errs
		return res, nil
	}
	res.Low = low
	log.Debug().Int("decls", high.Len()).Int("chunks", len(low)).Msg("compiled state sources")
	return res, nil
}

// applyExtends merges gathered extend blocks into their target
// declarations. Requisite lists are appended to, other arguments replace.
func applyExtends(high *HighData) []CompileError {
	var errs []CompileError
	for _, ext := range high.Extends {
		target := high.Get(ext.ID)
		if target == nil {
			for _, sd := range ext.States {
				if d := high.byName(sd.State, ext.ID); d != nil {
					target = d
					break
				}
			}
		}
		if target == nil {
			errs = append(errs, CompileError{Source: ext.Source, Line: ext.Line, Message: fmt.Sprintf("Cannot extend ID %q in SLS %q. It is not part of the high state.\nThis is likely due to a missing include statement or an incorrectly typed ID.", ext.ID, ext.Source)})
			continue
		}
		for _, sd := range ext.States {
			tsd := target.section(sd.State)
			if tsd == nil {
				target.States = append(target.States, sd)
				continue
			}
			mergeSection(tsd, sd)
		}
	}
	high.Extends = nil
	return errs
}

func mergeSection(dst, src *StateDecl) {
	for _, arg := range src.Args {
		updated := false
		for i := range dst.Args {
			if arg.Fun != "" && dst.Args[i].Fun != "" {
				dst.Args[i] = arg
				updated = true
				continue
			}
			if len(arg.Pairs) == 0 || len(dst.Args[i].Pairs) == 0 {
				continue
			}
			if arg.Pairs[0].Key != dst.Args[i].Pairs[0].Key {
				continue
			}
			if requisiteListKeyword(arg.Pairs[0].Key) {
				dst.Args[i].Pairs[0].Value = appendList(dst.Args[i].Pairs[0].Value, arg.Pairs[0].Value)
			} else {
				dst.Args[i] = arg
			}
			updated = true
		}
		if !updated {
			dst.Args = append(dst.Args, arg)
		}
	}
}

// requisiteListKeyword reports whether an extend of the keyword appends to
// the existing list rather than replacing it.
func requisiteListKeyword(key string) bool {
	if _, ok := engine.RequisiteInKeywords[key]; ok {
		return true
	}
	kind := engine.RequisiteKind(key)
	return engine.RequisiteKeywords[kind] && kind != engine.KindRecreateOnUpdate
}

// reverseRequisites rewrites every "_in" requisite onto its target: the
// target declaration gains the direct form pointing back at the declaring
// chunk. After reversal, prereq edges get their prerequired mirror on the
// referenced declarations.
func reverseRequisites(high *HighData) []CompileError {
	var errs []CompileError
	ids := append([]string(nil), high.Order...)
	for _, id := range ids {
		decl := high.Decls[id]
		for _, sd := range decl.States {
			var kept []Arg
			for _, arg := range sd.Args {
				if arg.Fun != "" || len(arg.Pairs) != 1 {
					kept = append(kept, arg)
					continue
				}
				kind, isIn := engine.RequisiteInKeywords[arg.Pairs[0].Key]
				if !isIn {
					kept = append(kept, arg)
					continue
				}
				targets, terrs := reversalTargets(high, decl, sd, arg.Pairs[0].Key, arg.Pairs[0].Value)
				errs = append(errs, terrs...)
				for _, t := range targets {
					attachRequisite(t.decl, t.state, string(kind), map[string]interface{}{sd.State: decl.ID})
				}
			}
			sd.Args = kept
		}
	}
	mirrorPrereqs(high)
	return errs
}

// reversalTarget is one declaration section a reversed requisite lands on.
type reversalTarget struct {
	decl  *Declaration
	state string
}

func reversalTargets(high *HighData, decl *Declaration, sd *StateDecl, key string, val interface{}) ([]reversalTarget, []CompileError) {
	var targets []reversalTarget
	var errs []CompileError

	resolve := func(tstate, tname string) {
		if tstate == "sls" {
			for _, id := range high.sourceIDs(tname) {
				t := high.Get(id)
				if len(t.States) == 0 {
					continue
				}
				targets = append(targets, reversalTarget{decl: t, state: t.States[0].State})
			}
			return
		}
		target := high.Get(tname)
		if target == nil {
			target = high.byName(tstate, tname)
		}
		if target == nil {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Cannot extend ID %q in SLS %q. It is not part of the high state.\nThis is likely due to a missing include statement or an incorrectly typed ID.", tname, decl.Source)})
			return
		}
		targets = append(targets, reversalTarget{decl: target, state: tstate})
	}

	resolveEntry := func(tstate string, tval interface{}) {
		switch tv := tval.(type) {
		case string:
			resolve(tstate, tv)
		case []interface{}:
			for _, nd := range tv {
				switch n := nd.(type) {
				case string:
					resolve(tstate, n)
				case map[string]interface{}:
					for tname := range n {
						resolve(tstate, tname)
					}
				default:
					errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("%v should be dictionary", nd)})
				}
			}
		default:
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Requisite name %v in %s of state %q in SLS %q is not a string", tval, key, decl.ID, decl.Source)})
		}
	}

	switch v := val.(type) {
	case nil:
	case string:
		target := high.Get(v)
		if target == nil {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Requisite reference %q in %s of state %q in SLS %q could not be resolved to a declaration", v, key, decl.ID, decl.Source)})
			break
		}
		if len(target.States) > 0 {
			targets = append(targets, reversalTarget{decl: target, state: target.States[0].State})
		}
	case map[string]interface{}:
		for tstate, tval := range v {
			resolveEntry(tstate, tval)
		}
	case []interface{}:
		for _, entry := range v {
			switch e := entry.(type) {
			case string:
				if target := high.Get(e); target != nil {
					if len(target.States) > 0 {
						targets = append(targets, reversalTarget{decl: target, state: target.States[0].State})
					}
					continue
				}
				if tstate, tid, ok := findByNameArg(high, e); ok {
					targets = append(targets, reversalTarget{decl: high.Get(tid), state: tstate})
					continue
				}
				errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Requisite reference %q in %s of state %q in SLS %q could not be resolved to a declaration", e, key, decl.ID, decl.Source)})
			case map[string]interface{}:
				for tstate, tval := range e {
					resolveEntry(tstate, tval)
				}
			default:
				errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The requisite %v in %s of state %q in SLS %q is not formed as a single key dictionary", entry, key, decl.ID, decl.Source)})
			}
		}
	default:
		errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The %s statement in state %q in SLS %q needs to be formed as a list", key, decl.ID, decl.Source)})
	}
	return targets, errs
}

// findByNameArg scans every declaration for a "name" argument equal to
// name, returning the section state and declaration ID of the single match.
func findByNameArg(high *HighData, name string) (state, id string, ok bool) {
	for _, did := range high.Order {
		d := high.Decls[did]
		for _, sd := range d.States {
			for _, arg := range sd.Args {
				for _, kv := range arg.Pairs {
					if kv.Key != "name" {
						continue
					}
					if s, isStr := kv.Value.(string); isStr && s == name {
						if ok {
							return "", "", false
						}
						state, id, ok = sd.State, did, true
					}
				}
			}
		}
	}
	return state, id, ok
}

// attachRequisite appends one reference under the named requisite keyword
// of the target declaration's section, creating the section or the keyword
// argument when absent.
func attachRequisite(target *Declaration, state, keyword string, ref map[string]interface{}) {
	sd := target.section(state)
	if sd == nil {
		sd = &StateDecl{State: state}
		target.States = append(target.States, sd)
	}
	for i := range sd.Args {
		if len(sd.Args[i].Pairs) == 1 && sd.Args[i].Pairs[0].Key == keyword {
			sd.Args[i].Pairs[0].Value = appendList(sd.Args[i].Pairs[0].Value, ref)
			return
		}
	}
	sd.Args = append(sd.Args, Arg{Pairs: []KV{{Key: keyword, Value: []interface{}{ref}}}})
}

// mirrorPrereqs adds the prerequired mirror edge on every declaration
// referenced by a prereq, so the referenced chunk holds for the predictive
// test. References that do not resolve in the current tree are left for the
// sequencer, which can still satisfy them from enforced state.
func mirrorPrereqs(high *HighData) {
	ids := append([]string(nil), high.Order...)
	for _, id := range ids {
		decl := high.Decls[id]
		for _, sd := range decl.States {
			for _, arg := range sd.Args {
				for _, kv := range arg.Pairs {
					if kv.Key != string(engine.KindPrereq) {
						continue
					}
					for _, entry := range asList(kv.Value) {
						m, ok := entry.(map[string]interface{})
						if !ok {
							continue
						}
						for tstate, tval := range m {
							tname, ok := tval.(string)
							if !ok {
								continue
							}
							for _, target := range matchDecls(high, tstate, tname) {
								attachRequisite(target, tstate, string(engine.KindPrerequired), map[string]interface{}{sd.State: decl.ID})
							}
						}
					}
				}
			}
		}
	}
}

// matchDecls returns the declarations carrying a section of the given
// resource type whose ID or name argument matches the possibly-globbed
// name.
func matchDecls(high *HighData, state, name string) []*Declaration {
	var out []*Declaration
	for _, id := range high.Order {
		decl := high.Decls[id]
		if state == "sls" {
			if sourceMatch(name, decl.Source) {
				out = append(out, decl)
			}
			continue
		}
		if decl.section(state) == nil {
			continue
		}
		if globMatch(name, id) {
			out = append(out, decl)
			continue
		}
		if v, ok := decl.param("name"); ok {
			if s, isStr := v.(string); isStr && globMatch(name, s) {
				out = append(out, decl)
			}
		}
	}
	return out
}

// verifySeqKinds are the success-gating kinds covered by the mutual
// requisite check. Failure and prereq kinds are excluded: prereq pairs with
// its mirror by design and failure gating resolves at runtime.
var verifySeqKinds = map[string]bool{
	string(engine.KindRequire):      true,
	string(engine.KindRequireAny):   true,
	string(engine.KindWatch):        true,
	string(engine.KindWatchAny):     true,
	string(engine.KindOnChanges):    true,
	string(engine.KindOnChangesAny): true,
	string(engine.KindListen):       true,
}

// verifyHigh checks the merged high data for structural errors: missing or
// duplicated functions, malformed requisites and directly recursive
// requisite pairs.
func verifyHigh(high *HighData) []CompileError {
	var errs []CompileError
	edges := map[string]map[string]bool{}

	for _, id := range high.Order {
		decl := high.Decls[id]
		if strings.Contains(id, engine.TagSep) {
			errs = append(errs, CompileError{Source: decl.Source, Line: decl.Line, Message: fmt.Sprintf("ID %q in SLS %q must not contain %q", id, decl.Source, engine.TagSep)})
		}
		for _, sd := range decl.States {
			funs := 0
			for _, arg := range sd.Args {
				if arg.Fun != "" {
					funs++
					if strings.Contains(arg.Fun, " ") {
						errs = append(errs, CompileError{Source: decl.Source, Line: arg.Line, Message: fmt.Sprintf("The function %q in state %q in SLS %q has whitespace, a function with whitespace is not supported, perhaps this is an argument that is missing a \":\"", arg.Fun, sd.State, decl.Source)})
					}
					continue
				}
				if len(arg.Pairs) > 1 {
					errs = append(errs, CompileError{Source: decl.Source, Line: arg.Line, Message: fmt.Sprintf("Multiple dictionaries defined in argument of state %q in SLS %q", sd.State, decl.Source)})
				}
				for _, kv := range arg.Pairs {
					errs = append(errs, verifyPair(high, decl, sd, edges, kv, arg.Line)...)
				}
			}
			if funs == 0 {
				errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("No function declared in state %q in SLS %q", sd.State, decl.Source)})
			} else if funs > 1 {
				errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Too many functions declared in state %q in SLS %q", sd.State, decl.Source)})
			}
		}
	}
	return errs
}

func verifyPair(high *HighData, decl *Declaration, sd *StateDecl, edges map[string]map[string]bool, kv KV, line int) []CompileError {
	var errs []CompileError
	key := kv.Key

	if i := strings.Index(key, "."); i > 0 {
		base := key[:i]
		_, isIn := engine.RequisiteInKeywords[base]
		if engine.RequisiteKeywords[engine.RequisiteKind(base)] || isIn {
			errs = append(errs, CompileError{Source: decl.Source, Line: line, Message: fmt.Sprintf("The requisite type %q in state %q in SLS %q has a dot, did you mean %q?", key, sd.State, decl.Source, base)})
			return errs
		}
	}

	kind := engine.RequisiteKind(key)
	if !engine.RequisiteKeywords[kind] {
		return errs
	}
	switch kind {
	case engine.KindSensitive, engine.KindIgnoreChanges, engine.KindRecreateOnUpdate:
		return errs
	}

	switch v := kv.Value.(type) {
	case nil, string, []interface{}:
	default:
		errs = append(errs, CompileError{Source: decl.Source, Line: line, Message: fmt.Sprintf("The %s statement in state %q in SLS %q needs to be formed as a list, not %T", key, sd.State, decl.Source, v)})
		return errs
	}

	for _, entry := range asList(kv.Value) {
		var refName string
		switch e := entry.(type) {
		case string:
			refName = e
		case map[string]interface{}:
			for _, tval := range e {
				if s, ok := tval.(string); ok {
					refName = s
				}
			}
		default:
			errs = append(errs, CompileError{Source: decl.Source, Line: line, Message: fmt.Sprintf("The requisite %v in state %q in SLS %q is not formed as a single key dictionary", entry, sd.State, decl.Source)})
			continue
		}
		if refName == "" || !verifySeqKinds[key] {
			continue
		}
		if edges[refName][decl.ID] {
			errs = append(errs, CompileError{Source: decl.Source, Line: line, Message: fmt.Sprintf("A recursive requisite was found, SLS %q ID %q ID %q", decl.Source, decl.ID, refName)})
		}
		if edges[decl.ID] == nil {
			edges[decl.ID] = map[string]bool{}
		}
		edges[decl.ID][refName] = true
	}
	return errs
}

// chunkBuild is a chunk under construction plus its ordering inputs.
type chunkBuild struct {
	chunk     *engine.Chunk
	order     interface{}
	hasOrder  bool
	nameOrder int
	eff       float64
	funs      []string
	names     []interface{}
}

// lowerHigh flattens verified high data into chunks: one per resource-type
// section, function and names entry, with requisite keywords parsed into
// structured references, runtime keywords lifted onto the chunk and the
// remainder passed through as params.
func lowerHigh(high *HighData) ([]*engine.Chunk, []CompileError) {
	var errs []CompileError
	var builds []*chunkBuild

	for _, id := range high.Order {
		decl := high.Decls[id]
		for _, sd := range decl.States {
			cb := &chunkBuild{chunk: &engine.Chunk{
				ID:         id,
				Name:       id,
				State:      sd.State,
				Source:     decl.Source,
				Params:     map[string]interface{}{},
				Requisites: map[engine.RequisiteKind][]engine.RequisiteRef{},
			}}
			for _, arg := range sd.Args {
				if arg.Fun != "" {
					cb.funs = append(cb.funs, arg.Fun)
					continue
				}
				for _, kv := range arg.Pairs {
					errs = append(errs, applyPair(high, decl, sd, cb, kv.Key, kv.Value)...)
				}
			}
			for _, live := range expandNames(high, decl, sd, cb, &errs) {
				for _, fun := range live.funs {
					fc := live.cloneBuild()
					fc.chunk.Fun = fun
					builds = append(builds, fc)
				}
			}
		}
	}

	for _, cb := range builds {
		if strings.Contains(cb.chunk.Name, engine.TagSep) {
			errs = append(errs, CompileError{Source: cb.chunk.Source, Message: fmt.Sprintf("Name %q in state %q in SLS %q must not contain %q", cb.chunk.Name, cb.chunk.State, cb.chunk.Source, engine.TagSep)})
		}
		errs = append(errs, bindParamRefs(cb)...)
	}

	orderChunks(builds)
	low := make([]*engine.Chunk, len(builds))
	for i, cb := range builds {
		cb.chunk.Order = i
		low[i] = cb.chunk
	}
	return low, errs
}

// applyPair lifts one declaration argument onto the chunk under build.
func applyPair(high *HighData, decl *Declaration, sd *StateDecl, cb *chunkBuild, key string, val interface{}) []CompileError {
	var errs []CompileError
	ch := cb.chunk

	switch key {
	case "names":
		for _, entry := range asList(val) {
			if s, ok := entry.(string); ok && containsString(cb.names, s) {
				continue
			}
			cb.names = append(cb.names, entry)
		}
	case "state":
		// state overrides are not passed down
	case "name":
		if s, ok := val.(string); ok {
			ch.Name = s
		} else {
			ch.Name = ch.ID
		}
	case "name_prefix":
		ch.Params[key] = val
		if prefix, ok := val.(string); ok && ch.Name == ch.ID {
			ch.Name = prefix + strconv.FormatInt(time.Now().UnixNano(), 10)
		}
	case "order":
		cb.order = val
		cb.hasOrder = true
	case "name_order":
		if n, ok := asInt(val); ok {
			cb.nameOrder = n
		}
	case "unique":
		if b, ok := val.(bool); ok {
			ch.Unique = b
		}
	case "skip_esm":
		if b, ok := val.(bool); ok {
			ch.SkipESM = b
		}
	case string(engine.KindSensitive):
		names, ok := asStringSlice(val)
		if !ok {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The sensitive statement in state %q in SLS %q needs to be formed as a list of parameter names", sd.State, decl.Source)})
			break
		}
		ch.Sensitive = append(ch.Sensitive, names...)
	case string(engine.KindIgnoreChanges):
		paths, ok := asStringSlice(val)
		if !ok {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The ignore_changes statement in state %q in SLS %q needs to be formed as a list of paths", sd.State, decl.Source)})
			break
		}
		ch.IgnoreChanges = append(ch.IgnoreChanges, paths...)
	case string(engine.KindRecreateOnUpdate):
		m, ok := val.(map[string]interface{})
		if !ok {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("recreate_on_update requisite should contain a mapping of parameters, not %v", val)})
			break
		}
		cbd, _ := m["create_before_destroy"].(bool)
		ch.Recreate = &engine.RecreatePolicy{CreateBeforeDestroy: cbd}
	case string(engine.KindArgBind):
		refs, rerrs := parseArgBind(decl, sd, val)
		errs = append(errs, rerrs...)
		ch.Requisites[engine.KindArgBind] = append(ch.Requisites[engine.KindArgBind], refs...)
	default:
		kind := engine.RequisiteKind(key)
		if engine.RequisiteKeywords[kind] {
			refs, rerrs := parseRefs(high, decl, sd, key, val)
			errs = append(errs, rerrs...)
			ch.Requisites[kind] = append(ch.Requisites[kind], refs...)
			break
		}
		if _, isIn := engine.RequisiteInKeywords[key]; isIn {
			// consumed during reversal
			break
		}
		ch.Params[key] = val
	}
	return errs
}

// parseRefs parses the value of an ordering requisite keyword into
// structured references. Bare strings resolve against the tree by ID and
// then by name argument; "sls" references pass through for the sequencer
// to expand by source.
func parseRefs(high *HighData, decl *Declaration, sd *StateDecl, key string, val interface{}) ([]engine.RequisiteRef, []CompileError) {
	var refs []engine.RequisiteRef
	var errs []CompileError

	addNamed := func(tstate string, tval interface{}) {
		switch tv := tval.(type) {
		case string:
			refs = append(refs, engine.RequisiteRef{State: tstate, Name: tv})
		case []interface{}:
			for _, nd := range tv {
				switch n := nd.(type) {
				case string:
					refs = append(refs, engine.RequisiteRef{State: tstate, Name: n})
				case map[string]interface{}:
					for tname := range n {
						refs = append(refs, engine.RequisiteRef{State: tstate, Name: tname})
					}
				default:
					errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("%v should be dictionary", nd)})
				}
			}
		default:
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Requisite name %v in %s of state %q in SLS %q is not a string", tval, key, decl.ID, decl.Source)})
		}
	}

	for _, entry := range asList(val) {
		switch e := entry.(type) {
		case string:
			if target := high.Get(e); target != nil && len(target.States) > 0 {
				refs = append(refs, engine.RequisiteRef{State: target.States[0].State, Name: e})
				continue
			}
			if tstate, tid, ok := findByNameArg(high, e); ok {
				refs = append(refs, engine.RequisiteRef{State: tstate, Name: tid})
				continue
			}
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Requisite reference %q in %s of state %q in SLS %q could not be resolved to a declaration", e, key, decl.ID, decl.Source)})
		case map[string]interface{}:
			for tstate, tval := range e {
				addNamed(tstate, tval)
			}
		default:
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The requisite %v in %s of state %q in SLS %q is not formed as a single key dictionary", entry, key, decl.ID, decl.Source)})
		}
	}
	return refs, errs
}

// parseArgBind parses an explicit arg_bind declaration of the form
// [{resource: [{name: [{from: to}, ...]}]}].
func parseArgBind(decl *Declaration, sd *StateDecl, val interface{}) ([]engine.RequisiteRef, []CompileError) {
	var refs []engine.RequisiteRef
	var errs []CompileError

	for _, entry := range asList(val) {
		m, ok := entry.(map[string]interface{})
		if !ok {
			errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("The requisite %v in arg_bind of state %q in SLS %q is not formed as a single key dictionary", entry, decl.ID, decl.Source)})
			continue
		}
		for tstate, tval := range m {
			if tname, ok := tval.(string); ok {
				refs = append(refs, engine.RequisiteRef{State: tstate, Name: tname})
				continue
			}
			for _, nd := range asList(tval) {
				dm, ok := nd.(map[string]interface{})
				if !ok {
					errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("%v should be dictionary", nd)})
					continue
				}
				for tname, bindsRaw := range dm {
					var args []engine.ArgBind
					for _, b := range asList(bindsRaw) {
						bm, ok := b.(map[string]interface{})
						if !ok {
							errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("arg_bind bindings for state %q in SLS %q must be single key dictionaries", decl.ID, decl.Source)})
							continue
						}
						for from, toRaw := range bm {
							to, ok := toRaw.(string)
							if !ok {
								errs = append(errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("arg_bind binding %q for state %q in SLS %q must map to a parameter path", from, decl.ID, decl.Source)})
								continue
							}
							args = append(args, engine.ArgBind{From: from, To: to})
						}
					}
					refs = append(refs, engine.RequisiteRef{State: tstate, Name: tname, Args: args})
				}
			}
		}
	}
	return refs, errs
}

// expandNames expands a names list into per-name chunks. Entries are names
// or single-key dictionaries carrying extra arguments for that name; each
// expanded chunk is ordered by its position in the list.
func expandNames(high *HighData, decl *Declaration, sd *StateDecl, cb *chunkBuild, errs *[]CompileError) []*chunkBuild {
	if len(cb.names) == 0 {
		return []*chunkBuild{cb}
	}
	var out []*chunkBuild
	nameOrder := 1
	for _, entry := range cb.names {
		live := cb.cloneBuild()
		switch e := entry.(type) {
		case string:
			live.chunk.Name = e
		case map[string]interface{}:
			if len(e) != 1 {
				*errs = append(*errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Name entry %v in names of state %q in SLS %q must be a single key dictionary", entry, sd.State, decl.Source)})
				continue
			}
			for lowName, rawArgs := range e {
				live.chunk.Name = lowName
				for _, a := range asList(rawArgs) {
					am, ok := a.(map[string]interface{})
					if !ok {
						*errs = append(*errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Argument %v for name %q in state %q in SLS %q is not formed as a single key dictionary", a, lowName, sd.State, decl.Source)})
						continue
					}
					for k, v := range am {
						*errs = append(*errs, applyPair(high, decl, sd, live, k, v)...)
					}
				}
			}
		default:
			*errs = append(*errs, CompileError{Source: decl.Source, Line: sd.Line, Message: fmt.Sprintf("Name entry %v in names of state %q in SLS %q must be a single key dictionary", entry, sd.State, decl.Source)})
			continue
		}
		live.nameOrder = nameOrder
		nameOrder++
		out = append(out, live)
	}
	return out
}

// argRefPattern matches ${resource:id:path} argument references.
var argRefPattern = regexp.MustCompile(`\$\{[^\$\{\}]+\}`)

// bindParamRefs scans string parameter leaves for ${} argument references
// and records them as arg_bind requisites. The reference text stays in the
// parameter; the executor substitutes it once the referenced chunk has run.
func bindParamRefs(cb *chunkBuild) []CompileError {
	var errs []CompileError
	ch := cb.chunk
	walkLeaves(ch.Params, "", func(path string, leaf interface{}) {
		s, ok := leaf.(string)
		if !ok {
			return
		}
		for _, m := range argRefPattern.FindAllString(s, -1) {
			inner := m[2 : len(m)-1]
			parts := strings.SplitN(inner, ":", 3)
			if len(parts) < 3 {
				errs = append(errs, CompileError{Source: ch.Source, Message: fmt.Sprintf("Argument reference %s for state %q is not properly formatted. Argument reference format is ${resource_type:declaration_id:property_path}.", m, ch.ID)})
				continue
			}
			addBind(ch, parts[0], parts[1], engine.ArgBind{From: parts[2], To: path})
		}
	})
	return errs
}

// addBind merges one binding into the chunk's arg_bind requisites,
// deduplicating repeated references to the same path.
func addBind(ch *engine.Chunk, state, name string, bind engine.ArgBind) {
	for i, ref := range ch.Requisites[engine.KindArgBind] {
		if ref.State != state || ref.Name != name {
			continue
		}
		for _, a := range ref.Args {
			if a == bind {
				return
			}
		}
		ch.Requisites[engine.KindArgBind][i].Args = append(ref.Args, bind)
		return
	}
	ch.Requisites[engine.KindArgBind] = append(ch.Requisites[engine.KindArgBind], engine.RequisiteRef{State: state, Name: name, Args: []engine.ArgBind{bind}})
}

// walkLeaves visits every leaf value of a params tree with its colon path,
// list elements addressed as path[i]. Keys are visited in sorted order so
// generated requisites are deterministic.
func walkLeaves(v interface{}, path string, fn func(path string, leaf interface{})) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := k
			if path != "" {
				p = path + ":" + k
			}
			walkLeaves(t[k], p, fn)
		}
	case []interface{}:
		for i, item := range t {
			walkLeaves(item, fmt.Sprintf("%s[%d]", path, i), fn)
		}
	default:
		fn(path, t)
	}
}

// orderChunks assigns effective ordering per the order keyword: explicit
// integers first raise the cap, unordered chunks then take ascending caps
// so declaration order holds, "first" pins to zero, "last" and negative
// orders sink past the cap, and names entries add fractional offsets.
func orderChunks(builds []*chunkBuild) {
	slot := 1
	for _, cb := range builds {
		if !cb.hasOrder {
			continue
		}
		if n, ok := asInt(cb.order); ok && n > slot-1 && n > 0 {
			slot = n + 100
		}
	}
	for _, cb := range builds {
		var eff float64
		switch {
		case !cb.hasOrder:
			eff = float64(slot)
			slot++
		default:
			if n, ok := asInt(cb.order); ok {
				eff = float64(n)
			} else if f, ok := cb.order.(float64); ok {
				eff = f
			} else if s, ok := cb.order.(string); ok && s == "last" {
				eff = float64(slot + 1000000)
			} else if s, ok := cb.order.(string); ok && s == "first" {
				eff = 0
			} else {
				eff = float64(slot)
				slot++
			}
		}
		if cb.nameOrder > 0 {
			eff += float64(cb.nameOrder) / 10000.0
		}
		if eff < 0 {
			eff = float64(slot+1000000) + eff
		}
		cb.eff = eff
	}
	sort.SliceStable(builds, func(i, j int) bool {
		if builds[i].eff != builds[j].eff {
			return builds[i].eff < builds[j].eff
		}
		ki := builds[i].chunk.State + builds[i].chunk.Name + builds[i].chunk.Fun
		kj := builds[j].chunk.State + builds[j].chunk.Name + builds[j].chunk.Fun
		return ki < kj
	})
}

func (cb *chunkBuild) cloneBuild() *chunkBuild {
	nc := *cb.chunk
	nc.Params = deepCopyParams(cb.chunk.Params)
	nc.Requisites = make(map[engine.RequisiteKind][]engine.RequisiteRef, len(cb.chunk.Requisites))
	for kind, refs := range cb.chunk.Requisites {
		cp := make([]engine.RequisiteRef, len(refs))
		for i, ref := range refs {
			ref.Args = append([]engine.ArgBind(nil), ref.Args...)
			cp[i] = ref
		}
		nc.Requisites[kind] = cp
	}
	nc.Sensitive = append([]string(nil), cb.chunk.Sensitive...)
	nc.IgnoreChanges = append([]string(nil), cb.chunk.IgnoreChanges...)
	if cb.chunk.Recreate != nil {
		r := *cb.chunk.Recreate
		nc.Recreate = &r
	}
	return &chunkBuild{
		chunk:     &nc,
		order:     cb.order,
		hasOrder:  cb.hasOrder,
		nameOrder: cb.nameOrder,
		funs:      cb.funs,
	}
}

func deepCopyParams(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyParam(v)
	}
	return out
}

func deepCopyParam(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyParams(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = deepCopyParam(item)
		}
		return out
	default:
		return v
	}
}

// asList normalizes a requisite or names value to entry form: nil stays
// empty, lists pass through and scalars or mappings wrap as one entry.
func asList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	default:
		return []interface{}{v}
	}
}

func appendList(a, b interface{}) interface{} {
	return append(append([]interface{}(nil), asList(a)...), asList(b)...)
}

func asStringSlice(v interface{}) ([]string, bool) {
	items := asList(v)
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

func containsString(items []interface{}, s string) bool {
	for _, item := range items {
		if v, ok := item.(string); ok && v == s {
			return true
		}
	}
	return false
}

// sourceMatch reports whether a declaration source matches a possibly
// globbed ref.
func sourceMatch(pattern, source string) bool {
	if pattern == source {
		return true
	}
	return globMatch(pattern, source)
}

func globMatch(pattern, value string) bool {
	if pattern == value {
		return true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(value)
}
