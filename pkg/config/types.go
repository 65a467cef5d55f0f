package config

import (
	"fmt"
	"strings"
	"time"
)

// KV is a single key/value pair inside a declaration argument.
type KV struct {
	// Key is the argument name.
	Key string `json:"key"`

	// Value is the argument payload, decoded from the source document.
	Value interface{} `json:"value"`
}

// Arg is one entry of a state declaration's argument list. An entry is
// either a bare function name (Fun) or a mapping (Pairs). Source documents
// are expected to declare exactly one pair per mapping entry; verification
// reports entries that carry more.
type Arg struct {
	// Fun holds the function name for bare string entries, e.g. "present".
	Fun string `json:"fun,omitempty"`

	// Pairs holds the key/value pairs of a mapping entry.
	Pairs []KV `json:"pairs,omitempty"`

	// Line is the source line the entry starts on, when known.
	Line int `json:"line,omitempty"`
}

// StateDecl is one resource-type section of a declaration: the resource
// type ref plus its argument list.
type StateDecl struct {
	// State is the resource type ref, e.g. "cloud.instance".
	State string `json:"state"`

	// Args is the declared argument list for this section.
	Args []Arg `json:"args"`

	// Line is the source line the section starts on, when known.
	Line int `json:"line,omitempty"`
}

// Declaration is a single ID block of a state document. One declaration
// may carry several resource-type sections, each compiled to its own chunk.
type Declaration struct {
	// ID is the declaration ID, unique across the gathered tree.
	ID string `json:"id"`

	// Source is the SLS ref the declaration was gathered from.
	Source string `json:"source"`

	// States holds the resource-type sections in declaration order.
	States []*StateDecl `json:"states"`

	// Line is the source line the declaration starts on, when known.
	Line int `json:"line,omitempty"`
}

// section returns the resource-type section named by state, or nil.
func (d *Declaration) section(state string) *StateDecl {
	for _, sd := range d.States {
		if sd.State == state {
			return sd
		}
	}
	return nil
}

// param returns the value of the first argument pair named key across the
// declaration's sections, with ok reporting whether it was declared.
func (d *Declaration) param(key string) (interface{}, bool) {
	for _, sd := range d.States {
		for _, arg := range sd.Args {
			for _, kv := range arg.Pairs {
				if kv.Key == key {
					return kv.Value, true
				}
			}
		}
	}
	return nil, false
}

// HighData is the merged, ordered set of declarations gathered from every
// rendered document of a run. Iteration follows Order, which preserves the
// order declarations first appeared in.
type HighData struct {
	// Decls maps declaration IDs to their bodies.
	Decls map[string]*Declaration `json:"decls"`

	// Order lists declaration IDs in first-appearance order.
	Order []string `json:"order"`

	// Extends holds extend blocks awaiting merge, in gathered order.
	Extends []*Declaration `json:"extends,omitempty"`
}

// NewHighData returns an empty high data set.
func NewHighData() *HighData {
	return &HighData{Decls: map[string]*Declaration{}}
}

// Add inserts a declaration, reporting whether the ID was new. Duplicates
// are not merged; the caller reports them against the tree.
func (h *HighData) Add(decl *Declaration) bool {
	if _, ok := h.Decls[decl.ID]; ok {
		return false
	}
	h.Decls[decl.ID] = decl
	h.Order = append(h.Order, decl.ID)
	return true
}

// Get returns the declaration for id, or nil.
func (h *HighData) Get(id string) *Declaration {
	return h.Decls[id]
}

// Len returns the number of declarations.
func (h *HighData) Len() int {
	return len(h.Order)
}

// byName returns the single declaration of the given resource type whose
// "name" argument equals name. It returns nil when no declaration or more
// than one declaration matches.
func (h *HighData) byName(state, name string) *Declaration {
	var found *Declaration
	for _, id := range h.Order {
		decl := h.Decls[id]
		if decl.section(state) == nil {
			continue
		}
		v, ok := decl.param("name")
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s == name {
			if found != nil {
				return nil
			}
			found = decl
		}
	}
	return found
}

// sourceIDs returns the IDs of every declaration gathered from a source
// matching ref, in declaration order. The ref may contain glob patterns.
func (h *HighData) sourceIDs(ref string) []string {
	var ids []string
	for _, id := range h.Order {
		if sourceMatch(ref, h.Decls[id].Source) {
			ids = append(ids, id)
		}
	}
	return ids
}

// CompileError is a single error raised while gathering or compiling state
// documents. Message is self-contained; Source and Line locate the failing
// declaration for tooling that wants structure.
type CompileError struct {
	// Source is the SLS ref the error was raised against, when known.
	Source string `json:"source,omitempty"`

	// Line is the source line, when known.
	Line int `json:"line,omitempty"`

	// Message is the full error text.
	Message string `json:"message"`
}

func (e CompileError) Error() string {
	if e.Source != "" && e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Message)
	}
	return e.Message
}

// CompileErrors aggregates compile errors into a single error value.
type CompileErrors []CompileError

func (e CompileErrors) Error() string {
	if len(e) == 0 {
		return "no compile errors"
	}
	msgs := make([]string, len(e))
	for i, ce := range e {
		msgs[i] = ce.Error()
	}
	return strings.Join(msgs, "\n")
}

// Options is the envelope for one compile request.
type Options struct {
	// Sources are the directories SLS refs resolve against, in priority
	// order.
	Sources []string `validate:"omitempty,dive,required"`

	// Refs are the SLS refs or file paths to gather.
	Refs []string `validate:"omitempty,dive,required"`

	// Params are passed to Starlark state programs as the params dict.
	Params map[string]interface{}

	// StarlarkTimeout bounds each Starlark program evaluation. Zero uses
	// DefaultStarlarkTimeout.
	StarlarkTimeout time.Duration `validate:"min=0"`
}
