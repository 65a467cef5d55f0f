package engine

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// TagSep separates the segments of a chunk tag.
const TagSep = "_|-"

// FuncTag returns the tag that keys a chunk's execution in the result table:
//
//	state_|-id_|-name_|-fun
func FuncTag(c *Chunk) string {
	return fmt.Sprintf("%s%s%s%s%s%s%s", c.State, TagSep, c.ID, TagSep, c.Name, TagSep, c.Fun)
}

// ESMTag returns the tag that keys a chunk's entry in the enforced-state
// store. It is the function tag without the operation segment, so present
// and absent address the same entry. When the chunk declares a name_prefix
// parameter that the resource name extends, the prefix stands in for the
// name; the store entry then survives regeneration of the random suffix.
func ESMTag(c *Chunk) string {
	name := c.Name
	if prefix, ok := c.Params["name_prefix"].(string); ok && prefix != "" && strings.Contains(c.Name, prefix) {
		name = prefix
	}
	return fmt.Sprintf("%s%s%s%s%s%s", c.State, TagSep, c.ID, TagSep, name, TagSep)
}

// TagState returns the resource type segment of a tag.
func TagState(tag string) string {
	if i := strings.Index(tag, "_|"); i >= 0 {
		return tag[:i]
	}
	return tag
}

// ParseTag splits a function tag into its four segments. It returns an error
// when the tag does not have exactly four segments.
func ParseTag(tag string) (state, id, name, fun string, err error) {
	parts := strings.Split(tag, TagSep)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed tag %q", tag)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// globMatch reports whether value matches the glob pattern. A pattern that
// does not compile only matches itself.
func globMatch(pattern, value string) bool {
	if !strings.ContainsAny(pattern, "*?[{") {
		return pattern == value
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return pattern == value
	}
	return g.Match(value)
}

// FindChunks returns the chunks of low that a requisite reference resolves
// to. A "sls" reference matches every chunk declared by a matching source;
// otherwise the reference matches chunks of the same resource type whose
// name or declaration ID matches the pattern.
func FindChunks(low []*Chunk, state, name string) []*Chunk {
	var out []*Chunk
	for _, c := range low {
		if state == "sls" {
			if globMatch(name, c.Source) {
				out = append(out, c)
			}
		} else if state == c.State {
			if globMatch(name, c.Name) || globMatch(name, c.ID) {
				out = append(out, c)
			}
		}
	}
	return out
}

// ChunkForTag returns the chunk of low whose function tag equals tag, or nil.
func ChunkForTag(low []*Chunk, tag string) *Chunk {
	for _, c := range low {
		if FuncTag(c) == tag {
			return c
		}
	}
	return nil
}
