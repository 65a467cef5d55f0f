package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
)

// slsExtensions are the file extensions tried when resolving a dotted ref,
// in priority order.
var slsExtensions = []string{".sls", ".yaml", ".yml", ".star"}

// Loader resolves SLS refs against a list of source directories and renders
// the referenced documents into high data. YAML documents are parsed
// directly; .star documents are evaluated as Starlark state programs.
type Loader struct {
	sources []string
	eval    *StarlarkEvaluator
	params  map[string]interface{}
}

// NewLoader returns a loader over the given source directories. The
// evaluator may be nil when no Starlark documents are expected.
func NewLoader(sources []string, eval *StarlarkEvaluator, params map[string]interface{}) *Loader {
	return &Loader{sources: sources, eval: eval, params: params}
}

// document is one rendered source file before merging.
type document struct {
	decls    []*Declaration
	extends  []*Declaration
	includes []string
	errs     []CompileError
}

// Gather resolves and renders every ref, follows include statements
// depth-first, and merges the results into a single high data set.
// Declarations keep the order they were first seen in; duplicate IDs across
// the tree are reported as errors.
func (l *Loader) Gather(ctx context.Context, refs []string) (*HighData, []CompileError) {
	g := &gatherState{high: NewHighData(), seen: map[string]bool{}}
	for _, ref := range refs {
		l.gatherRef(ctx, g, ref)
	}
	return g.finish()
}

// GatherContent renders a single in-memory document and follows its include
// statements against the configured sources. The ref names the document in
// errors and provenance and selects the format by extension.
func (l *Loader) GatherContent(ctx context.Context, ref string, content []byte) (*HighData, []CompileError) {
	g := &gatherState{high: NewHighData(), seen: map[string]bool{ref: true}}
	l.mergeDocument(ctx, g, l.render(ctx, ref, content))
	return g.finish()
}

type gatherState struct {
	high *HighData
	seen map[string]bool
	errs []CompileError
	dups []string
}

func (g *gatherState) finish() (*HighData, []CompileError) {
	if len(g.dups) > 0 {
		g.errs = append(g.errs, CompileError{
			Message: fmt.Sprintf("Duplicate state declarations found in SLS tree: %s", strings.Join(g.dups, ", ")),
		})
	}
	return g.high, g.errs
}

func (l *Loader) gatherRef(ctx context.Context, g *gatherState, ref string) {
	path, ok := l.locate(ref)
	if !ok {
		g.errs = append(g.errs, CompileError{Source: ref, Message: fmt.Sprintf("SLS ref %q did not resolve from any sources", ref)})
		return
	}
	if g.seen[path] {
		return
	}
	g.seen[path] = true

	content, err := os.ReadFile(path)
	if err != nil {
		g.errs = append(g.errs, CompileError{Source: ref, Message: fmt.Sprintf("failed to read SLS %q: %v", ref, err)})
		return
	}
	log.Debug().Str("ref", ref).Str("path", path).Msg("gathered sls source")
	l.mergeDocument(ctx, g, l.renderFile(ctx, ref, path, content))
}

// mergeDocument merges one rendered document into the gather state and
// recurses into its includes. The including document's declarations land
// before the included ones, so file order drives default ordering.
func (l *Loader) mergeDocument(ctx context.Context, g *gatherState, doc *document) {
	g.errs = append(g.errs, doc.errs...)
	for _, decl := range doc.decls {
		if !g.high.Add(decl) {
			g.dups = append(g.dups, decl.ID)
		}
	}
	g.high.Extends = append(g.high.Extends, doc.extends...)
	for _, inc := range doc.includes {
		l.gatherRef(ctx, g, inc)
	}
}

// locate resolves a ref to a file path. Refs containing path separators or
// a known extension are treated as direct paths; dotted refs are resolved
// against each source directory, trying ref.sls, ref.yaml, ref.yml,
// ref.star and ref/init.sls, ref/init.star in turn.
func (l *Loader) locate(ref string) (string, bool) {
	if looksLikePath(ref) {
		if fi, err := os.Stat(ref); err == nil && !fi.IsDir() {
			return ref, true
		}
		return "", false
	}
	rel := strings.ReplaceAll(ref, ".", string(filepath.Separator))
	for _, src := range l.sources {
		for _, ext := range slsExtensions {
			p := filepath.Join(src, rel+ext)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p, true
			}
		}
		for _, init := range []string{"init.sls", "init.star"} {
			p := filepath.Join(src, rel, init)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p, true
			}
		}
	}
	return "", false
}

func looksLikePath(ref string) bool {
	if strings.ContainsAny(ref, `/\`) {
		return true
	}
	ext := filepath.Ext(ref)
	for _, known := range slsExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

func (l *Loader) renderFile(ctx context.Context, ref, path string, content []byte) *document {
	if filepath.Ext(path) == ".star" {
		return l.renderStarlark(ctx, ref, content)
	}
	return l.renderYAML(ref, content)
}

func (l *Loader) render(ctx context.Context, ref string, content []byte) *document {
	if filepath.Ext(ref) == ".star" {
		return l.renderStarlark(ctx, ref, content)
	}
	return l.renderYAML(ref, content)
}

// renderYAML parses a YAML state document. The node tree is walked directly
// so declaration order and source lines survive into the high data.
func (l *Loader) renderYAML(ref string, content []byte) *document {
	doc := &document{}
	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("failed to render SLS %q: %v", ref, err)})
		return doc
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return doc
	}
	top := deref(root.Content[0])
	if top.Kind != yaml.MappingNode {
		if top.Tag == "!!null" {
			return doc
		}
		doc.errs = append(doc.errs, CompileError{Source: ref, Line: top.Line, Message: fmt.Sprintf("SLS %q does not render to a mapping of state declarations", ref)})
		return doc
	}
	for i := 0; i+1 < len(top.Content); i += 2 {
		k, v := top.Content[i], deref(top.Content[i+1])
		switch k.Value {
		case "include":
			doc.includes = append(doc.includes, l.yamlIncludes(doc, ref, v)...)
		case "extend":
			if v.Kind != yaml.MappingNode {
				doc.errs = append(doc.errs, CompileError{Source: ref, Line: v.Line, Message: fmt.Sprintf("The extend statement in SLS %q is not formed as a dictionary", ref)})
				continue
			}
			for j := 0; j+1 < len(v.Content); j += 2 {
				if decl := l.yamlDecl(doc, ref, v.Content[j], deref(v.Content[j+1])); decl != nil {
					doc.extends = append(doc.extends, decl)
				}
			}
		default:
			if decl := l.yamlDecl(doc, ref, k, v); decl != nil {
				doc.decls = append(doc.decls, decl)
			}
		}
	}
	return doc
}

func (l *Loader) yamlIncludes(doc *document, ref string, v *yaml.Node) []string {
	if v.Kind != yaml.SequenceNode {
		doc.errs = append(doc.errs, CompileError{Source: ref, Line: v.Line, Message: fmt.Sprintf("The include statement in SLS %q is not formed as a list of refs", ref)})
		return nil
	}
	var refs []string
	for _, item := range v.Content {
		item = deref(item)
		if item.Kind != yaml.ScalarNode || item.Tag != "!!str" {
			doc.errs = append(doc.errs, CompileError{Source: ref, Line: item.Line, Message: fmt.Sprintf("The include statement in SLS %q is not formed as a list of refs", ref)})
			continue
		}
		refs = append(refs, item.Value)
	}
	return refs
}

func (l *Loader) yamlDecl(doc *document, ref string, k, v *yaml.Node) *Declaration {
	if k.Tag != "!!str" {
		doc.errs = append(doc.errs, CompileError{Source: ref, Line: k.Line, Message: fmt.Sprintf("ID %q in SLS %q is not formed as a string", k.Value, ref)})
		return nil
	}
	decl := &Declaration{ID: k.Value, Source: ref, Line: k.Line}
	switch v.Kind {
	case yaml.ScalarNode:
		if v.Tag == "!!str" {
			if cerr := padShort(decl, ref, v.Value, v.Line); cerr != nil {
				doc.errs = append(doc.errs, *cerr)
				return nil
			}
			return decl
		}
		doc.errs = append(doc.errs, CompileError{Source: ref, Line: v.Line, Message: fmt.Sprintf("ID %s in SLS %s is not a dictionary", decl.ID, ref)})
		return nil
	case yaml.MappingNode:
		seen := map[string]bool{}
		for i := 0; i+1 < len(v.Content); i += 2 {
			bk, bv := v.Content[i], deref(v.Content[i+1])
			if strings.HasPrefix(bk.Value, "__") {
				continue
			}
			state, fun := splitStateRef(bk.Value)
			var args []Arg
			switch {
			case bv.Kind == yaml.SequenceNode:
				args = l.yamlArgs(doc, ref, state, bv)
			case bv.Kind == yaml.ScalarNode && bv.Tag == "!!null":
				// empty section, e.g. "test.nop:"
			default:
				doc.errs = append(doc.errs, CompileError{Source: ref, Line: bv.Line, Message: fmt.Sprintf("State %q in SLS %q is not formed as a list", decl.ID, ref)})
				continue
			}
			if cerr := addSection(decl, seen, ref, state, fun, args, bk.Line); cerr != nil {
				doc.errs = append(doc.errs, *cerr)
			}
		}
		return decl
	default:
		doc.errs = append(doc.errs, CompileError{Source: ref, Line: v.Line, Message: fmt.Sprintf("ID %s in SLS %s is not a dictionary", decl.ID, ref)})
		return nil
	}
}

func (l *Loader) yamlArgs(doc *document, ref, state string, seq *yaml.Node) []Arg {
	var args []Arg
	for _, item := range seq.Content {
		item = deref(item)
		switch {
		case item.Kind == yaml.ScalarNode && item.Tag == "!!str":
			args = append(args, Arg{Fun: item.Value, Line: item.Line})
		case item.Kind == yaml.MappingNode:
			arg := Arg{Line: item.Line}
			for i := 0; i+1 < len(item.Content); i += 2 {
				ik, iv := item.Content[i], deref(item.Content[i+1])
				var payload interface{}
				if err := iv.Decode(&payload); err != nil {
					doc.errs = append(doc.errs, CompileError{Source: ref, Line: iv.Line, Message: fmt.Sprintf("failed to decode argument %q in state %q in SLS %q: %v", ik.Value, state, ref, err)})
					continue
				}
				arg.Pairs = append(arg.Pairs, KV{Key: ik.Value, Value: payload})
			}
			args = append(args, arg)
		default:
			doc.errs = append(doc.errs, CompileError{Source: ref, Line: item.Line, Message: fmt.Sprintf("Argument in state %q in SLS %q is not formed as a string or single key dictionary", state, ref)})
		}
	}
	return args
}

// renderStarlark evaluates a Starlark state program and walks its "state"
// dictionary into declarations. The dictionary may also be produced by a
// callable, which is invoked with the run params.
func (l *Loader) renderStarlark(ctx context.Context, ref string, src []byte) *document {
	doc := &document{}
	if l.eval == nil {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("SLS %q is a Starlark program but no evaluator is configured", ref)})
		return doc
	}
	globals, err := l.eval.exec(ctx, ref, src, l.params)
	if err != nil {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("failed to render SLS %q: %v", ref, err)})
		return doc
	}
	stateVal, ok := globals["state"]
	if !ok {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("SLS %q does not define a \"state\" value", ref)})
		return doc
	}
	if fn, ok := stateVal.(starlark.Callable); ok {
		stateVal, err = l.eval.call(ctx, ref, fn, l.params)
		if err != nil {
			doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("failed to render SLS %q: %v", ref, err)})
			return doc
		}
	}
	dict, ok := stateVal.(*starlark.Dict)
	if !ok {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("The \"state\" value in SLS %q is not a dictionary", ref)})
		return doc
	}
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("ID %q in SLS %q is not formed as a string", item[0].String(), ref)})
			continue
		}
		switch key {
		case "include":
			doc.includes = append(doc.includes, l.starlarkIncludes(doc, ref, item[1])...)
		case "extend":
			ext, ok := item[1].(*starlark.Dict)
			if !ok {
				doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("The extend statement in SLS %q is not formed as a dictionary", ref)})
				continue
			}
			for _, block := range ext.Items() {
				id, ok := starlark.AsString(block[0])
				if !ok {
					doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("ID %q in SLS %q is not formed as a string", block[0].String(), ref)})
					continue
				}
				if decl := l.starlarkDecl(doc, ref, id, block[1]); decl != nil {
					doc.extends = append(doc.extends, decl)
				}
			}
		default:
			if decl := l.starlarkDecl(doc, ref, key, item[1]); decl != nil {
				doc.decls = append(doc.decls, decl)
			}
		}
	}
	return doc
}

func (l *Loader) starlarkIncludes(doc *document, ref string, v starlark.Value) []string {
	list, ok := v.(*starlark.List)
	if !ok {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("The include statement in SLS %q is not formed as a list of refs", ref)})
		return nil
	}
	var refs []string
	for i := 0; i < list.Len(); i++ {
		s, ok := starlark.AsString(list.Index(i))
		if !ok {
			doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("The include statement in SLS %q is not formed as a list of refs", ref)})
			continue
		}
		refs = append(refs, s)
	}
	return refs
}

func (l *Loader) starlarkDecl(doc *document, ref, id string, v starlark.Value) *Declaration {
	decl := &Declaration{ID: id, Source: ref}
	if short, ok := starlark.AsString(v); ok {
		if cerr := padShort(decl, ref, short, 0); cerr != nil {
			doc.errs = append(doc.errs, *cerr)
			return nil
		}
		return decl
	}
	body, ok := v.(*starlark.Dict)
	if !ok {
		doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("ID %s in SLS %s is not a dictionary", id, ref)})
		return nil
	}
	seen := map[string]bool{}
	for _, item := range body.Items() {
		bk, ok := starlark.AsString(item[0])
		if !ok || strings.HasPrefix(bk, "__") {
			continue
		}
		state, fun := splitStateRef(bk)
		var args []Arg
		switch bv := item[1].(type) {
		case starlark.NoneType:
			// empty section
		case *starlark.List:
			args = l.starlarkArgs(doc, ref, state, bv)
		default:
			doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("State %q in SLS %q is not formed as a list", id, ref)})
			continue
		}
		if cerr := addSection(decl, seen, ref, state, fun, args, 0); cerr != nil {
			doc.errs = append(doc.errs, *cerr)
		}
	}
	return decl
}

func (l *Loader) starlarkArgs(doc *document, ref, state string, list *starlark.List) []Arg {
	var args []Arg
	for i := 0; i < list.Len(); i++ {
		switch item := list.Index(i).(type) {
		case starlark.String:
			args = append(args, Arg{Fun: string(item)})
		case *starlark.Dict:
			arg := Arg{}
			for _, kv := range item.Items() {
				key, ok := starlark.AsString(kv[0])
				if !ok {
					doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("Argument key %q in state %q in SLS %q is not a string", kv[0].String(), state, ref)})
					continue
				}
				arg.Pairs = append(arg.Pairs, KV{Key: key, Value: fromStarlarkValue(kv[1])})
			}
			args = append(args, arg)
		default:
			doc.errs = append(doc.errs, CompileError{Source: ref, Message: fmt.Sprintf("Argument in state %q in SLS %q is not formed as a string or single key dictionary", state, ref)})
		}
	}
	return args
}

// splitStateRef splits a dotted body key into its resource type and
// trailing function name. Keys without a dot name the resource type alone,
// with the function expected among the string args.
func splitStateRef(key string) (state, fun string) {
	if i := strings.LastIndex(key, "."); i > 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// addSection appends a resource-type section to a declaration, appending
// the split-off function name as a trailing arg and rejecting a second
// section for the same resource type.
func addSection(decl *Declaration, seen map[string]bool, ref, state, fun string, args []Arg, line int) *CompileError {
	if fun != "" {
		args = append(args, Arg{Fun: fun, Line: line})
	}
	if seen[state] {
		return &CompileError{Source: ref, Line: line, Message: fmt.Sprintf("ID %q in SLS %q contains multiple state declarations from the same resource: %s", decl.ID, ref, state)}
	}
	seen[state] = true
	decl.States = append(decl.States, &StateDecl{State: state, Args: args, Line: line})
	return nil
}

// padShort expands a short declaration of the form "resource.fun" into a
// full single-section body.
func padShort(decl *Declaration, ref, val string, line int) *CompileError {
	if !strings.Contains(val, ".") {
		return &CompileError{Source: ref, Line: line, Message: fmt.Sprintf("ID %s in SLS %s is not a dictionary", decl.ID, ref)}
	}
	state, fun := splitStateRef(val)
	decl.States = append(decl.States, &StateDecl{State: state, Args: []Arg{{Fun: fun, Line: line}}, Line: line})
	return nil
}

// deref follows a YAML alias to its anchored node.
func deref(n *yaml.Node) *yaml.Node {
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return n.Alias
	}
	return n
}
