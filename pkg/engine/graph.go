package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RunGraph is the requisite graph of a run's low data: which declarations
// must complete before which, and how deep the ordering goes.
type RunGraph struct {
	// Nodes maps function tags to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists every requisite edge.
	Edges []GraphEdge `json:"edges"`

	// Roots lists the tags with no requisites, sorted.
	Roots []string `json:"roots"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`
}

// GraphNode is one declaration in the requisite graph.
type GraphNode struct {
	// Tag is the declaration's function tag.
	Tag string `json:"tag"`

	// Level is the earliest wave the declaration can run in.
	Level int `json:"level"`

	// Dependencies lists the tags this declaration waits on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents lists the tags waiting on this declaration.
	Dependents []string `json:"dependents,omitempty"`
}

// GraphEdge is one requisite edge: From must complete before To runs.
type GraphEdge struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Kind RequisiteKind `json:"kind"`
}

// GraphBuilder builds the requisite graph of a run's low data. It validates
// requisite references, detects cycles before any execution starts, and
// assigns execution levels for the parallel runtime.
type GraphBuilder struct {
	// chunks maps function tags to their declarations
	chunks map[string]*Chunk

	// adjacencyList maps tags to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps tags to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to tags at that level
	levels [][]string

	edges []GraphEdge
}

// NewGraphBuilder creates a new requisite graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		chunks:               make(map[string]*Chunk),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// BuildGraph constructs the requisite graph from low data. It validates
// requisite references, detects cycles, and computes execution levels.
func (b *GraphBuilder) BuildGraph(low []*Chunk) (*RunGraph, error) {
	if len(low) == 0 {
		return &RunGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
			Depth: 0,
		}, nil
	}

	if err := b.initialize(low); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildRunGraph(), nil
}

// initialize sets up the internal data structures from low data.
func (b *GraphBuilder) initialize(low []*Chunk) error {
	// First pass: index every declaration by tag
	for _, chunk := range low {
		if chunk.ID == "" {
			return NewPermanentError("declaration has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		tag := FuncTag(chunk)
		if _, exists := b.chunks[tag]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate declaration tag: %s", tag), nil).
				WithCode(ErrCodeValidation)
		}
		b.chunks[tag] = chunk
		b.adjacencyList[tag] = make([]string, 0)
		b.reverseAdjacencyList[tag] = make([]string, 0)
		b.inDegree[tag] = 0
	}

	// Second pass: resolve requisite references into edges
	for _, chunk := range low {
		tag := FuncTag(chunk)
		for kind, refs := range chunk.Requisites {
			if straightSkip[kind] {
				continue
			}
			for _, ref := range refs {
				matched := FindChunks(low, ref.State, ref.Name)
				if len(matched) == 0 {
					return NewPermanentError(
						fmt.Sprintf("Requisite '%s %s:%s' not found in current run. Verify the syntax.",
							kind, ref.State, ref.Name), nil).
						WithCode(ErrCodeValidation).WithResource(chunk.ID)
				}
				for _, m := range matched {
					from := FuncTag(m)
					b.adjacencyList[from] = append(b.adjacencyList[from], tag)
					b.reverseAdjacencyList[tag] = append(b.reverseAdjacencyList[tag], from)
					b.inDegree[tag]++
					b.edges = append(b.edges, GraphEdge{From: from, To: tag, Kind: kind})
				}
			}
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular requisites.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	for tag := range b.chunks {
		if !visited[tag] {
			if cycle, err := b.detectCyclesUtil(tag, visited, recStack, path); err != nil {
				return NewPermanentError(
					fmt.Sprintf("circular requisite detected: %s", formatCycle(cycle)), err).
					WithCode(ErrCodeRecursiveRequisite)
			}
		}
	}

	return nil
}

// detectCyclesUtil performs DFS to detect cycles in the requisite graph.
func (b *GraphBuilder) detectCyclesUtil(
	tag string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) ([]string, error) {
	visited[tag] = true
	recStack[tag] = true
	path = append(path, tag)

	for _, dependent := range b.adjacencyList[tag] {
		if !visited[dependent] {
			if cycle, err := b.detectCyclesUtil(dependent, visited, recStack, path); err != nil {
				return cycle, err
			}
		} else if recStack[dependent] {
			cycleStart := -1
			for i, id := range path {
				if id == dependent {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], dependent), fmt.Errorf("cycle detected")
			}
		}
	}

	recStack[tag] = false
	return nil, nil
}

// computeLevels assigns execution levels with Kahn's algorithm. Declarations
// at the same level have no requisites between them and can run in one wave.
func (b *GraphBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int)
	for tag, degree := range b.inDegree {
		inDegreeCopy[tag] = degree
	}

	currentLevel := make([]string, 0)
	for tag, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, tag)
		}
	}
	sort.Strings(currentLevel)

	if len(currentLevel) == 0 && len(b.chunks) > 0 {
		return NewPermanentError("no root declarations found, every declaration has requisites", nil).
			WithCode(ErrCodeRecursiveRequisite)
	}

	processedCount := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, tag := range currentLevel {
			for _, dependent := range b.adjacencyList[tag] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Strings(nextLevel)

		currentLevel = nextLevel
	}

	if processedCount != len(b.chunks) {
		return NewPermanentError("failed to level all declarations, possible cycle", nil).
			WithCode(ErrCodeInternal)
	}

	return nil
}

// buildRunGraph creates the final RunGraph structure.
func (b *GraphBuilder) buildRunGraph() *RunGraph {
	graph := &RunGraph{
		Nodes: make(map[string]*GraphNode),
		Edges: b.edges,
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, tags := range b.levels {
		for _, tag := range tags {
			graph.Nodes[tag] = &GraphNode{
				Tag:          tag,
				Level:        level,
				Dependencies: b.reverseAdjacencyList[tag],
				Dependents:   b.adjacencyList[tag],
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, tag)
			}
		}
	}
	sort.Strings(graph.Roots)

	return graph
}

// GetLevels returns the computed execution levels. Each level contains tags
// whose declarations can run in the same wave.
func (b *GraphBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT representation of the requisite graph. The output
// can be rendered with Graphviz tools.
func (b *GraphBuilder) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph RunGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, tags := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, tag := range tags {
			chunk := b.chunks[tag]
			label := fmt.Sprintf("%s\\n%s.%s", chunk.ID, chunk.State, chunk.Fun)
			color := getOperationColor(chunk.Fun)

			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				tag, label, color))
		}

		sb.WriteString("  }\n\n")
	}

	for _, edge := range b.edges {
		style := getRequisiteStyle(edge.Kind)
		sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", edge.From, edge.To, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

// getOperationColor returns a color for visualizing operations.
func getOperationColor(fun string) string {
	switch fun {
	case "present":
		return "lightgreen"
	case "absent":
		return "lightcoral"
	case "mod_watch":
		return "lightblue"
	default:
		return "white"
	}
}

// getRequisiteStyle returns a DOT style string for requisite kinds.
func getRequisiteStyle(kind RequisiteKind) string {
	switch kind {
	case KindRequire, KindRequireAny, KindPrerequired:
		return "style=solid, color=black"
	case KindWatch, KindWatchAny, KindListen:
		return "style=dashed, color=blue"
	case KindOnChanges, KindOnChangesAny:
		return "style=dashed, color=orange"
	case KindOnFail, KindOnFailAny, KindOnFailAll, KindOnFailStop:
		return "style=dotted, color=red"
	case KindArgBind:
		return "style=dotted, color=gray"
	default:
		return "style=solid, color=black"
	}
}

// ValidateGraph performs additional validation on the built graph.
func (b *GraphBuilder) ValidateGraph(graph *RunGraph) error {
	if len(graph.Nodes) != len(b.chunks) {
		return NewPermanentError("graph node count mismatch", nil).
			WithCode(ErrCodeInternal)
	}

	for _, edge := range graph.Edges {
		if _, exists := graph.Nodes[edge.From]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.From), nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := graph.Nodes[edge.To]; !exists {
			return NewPermanentError(fmt.Sprintf("edge references non-existent node: %s", edge.To), nil).
				WithCode(ErrCodeInternal)
		}
	}

	for _, rootTag := range graph.Roots {
		node := graph.Nodes[rootTag]
		if len(node.Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has requisites", rootTag), nil).
				WithCode(ErrCodeInternal)
		}
	}

	return nil
}
