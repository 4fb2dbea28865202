package engine

import (
	"fmt"
	"strings"
)

// UnitDefect is a structural problem found on one unit.
type UnitDefect struct {
	Unit   *ConfigurationUnit
	Result ResultInformation
}

// ValidationError reports the first class of structural defect found in a
// set. Code is the set-level result code.
type ValidationError struct {
	Code    ResultCode
	Defects []UnitDefect

	// Cycle is one offending dependency path when Code is CodeSetDependencyCycle.
	Cycle []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeSetDependencyCycle:
		if len(e.Cycle) > 0 {
			return fmt.Sprintf("dependency cycle detected: %s", formatCycle(e.Cycle))
		}
		return "dependency cycle detected"
	default:
		names := make([]string, 0, len(e.Defects))
		for _, d := range e.Defects {
			names = append(names, d.Unit.DisplayName())
		}
		return fmt.Sprintf("%s: %s", strings.ToLower(e.Code.String()), strings.Join(names, ", "))
	}
}

// validate runs the structural checks in order and resolves dependencies on
// the index. It returns nil when the set can be processed.
func validate(idx *unitIndex) *ValidationError {
	if verr := checkDuplicates(idx); verr != nil {
		return verr
	}
	if verr := resolveDependencies(idx); verr != nil {
		return verr
	}
	return checkCycles(idx)
}

func checkDuplicates(idx *unitIndex) *ValidationError {
	var defects []UnitDefect
	for _, n := range idx.nodes {
		if n.key == "" || len(idx.byKey[n.key]) < 2 {
			continue
		}
		defects = append(defects, UnitDefect{
			Unit: n.unit,
			Result: ResultInformation{
				Code:        CodeDuplicateIdentifier,
				Description: fmt.Sprintf("duplicate identifier: %s", n.unit.Identifier),
				Source:      ResultSourceConfigurationSet,
			},
		})
	}
	if len(defects) == 0 {
		return nil
	}
	return &ValidationError{Code: CodeDuplicateIdentifier, Defects: defects}
}

// resolveDependencies fills unitNode.deps. Only the first missing reference
// of each unit is reported.
func resolveDependencies(idx *unitIndex) *ValidationError {
	var defects []UnitDefect
	for _, n := range idx.nodes {
		n.deps = n.deps[:0]
		for _, dep := range n.unit.Dependencies {
			if dep == "" {
				continue
			}
			target := idx.lookup(dep)
			if target < 0 {
				defects = append(defects, UnitDefect{
					Unit: n.unit,
					Result: ResultInformation{
						Code:        CodeMissingDependency,
						Description: fmt.Sprintf("unit %s depends on unknown unit %s", n.unit.DisplayName(), dep),
						Details:     dep,
						Source:      ResultSourceConfigurationSet,
					},
				})
				break
			}
			n.deps = append(n.deps, target)
		}
	}
	if len(defects) == 0 {
		return nil
	}
	return &ValidationError{Code: CodeMissingDependency, Defects: defects}
}

// checkCycles lifts every dependency into its common scope and simulates
// processing. Any scope that cannot drain contains a cycle.
func checkCycles(idx *unitIndex) *ValidationError {
	for _, n := range idx.nodes {
		n.lifted = n.lifted[:0]
	}

	for _, n := range idx.nodes {
		for _, dep := range n.deps {
			from, to, ok := idx.lift(n.index, dep)
			if !ok {
				return &ValidationError{
					Code:  CodeSetDependencyCycle,
					Cycle: idx.names([]int{n.index, dep, n.index}),
				}
			}
			if !containsIndex(idx.nodes[from].lifted, to) {
				idx.nodes[from].lifted = append(idx.nodes[from].lifted, to)
			}
		}
	}

	scopes := [][]int{idx.top}
	for _, n := range idx.nodes {
		if len(n.children) > 0 {
			scopes = append(scopes, n.children)
		}
	}

	for _, scope := range scopes {
		_, remaining := simulateScope(idx, scope)
		if len(remaining) > 0 {
			return &ValidationError{
				Code:  CodeSetDependencyCycle,
				Cycle: findCycle(idx, remaining),
			}
		}
	}
	return nil
}

// simulateScope orders a scope by repeatedly taking the first unit whose
// lifted dependencies have all been taken. It returns the order and the
// units that could never be taken.
func simulateScope(idx *unitIndex, scope []int) (order, remaining []int) {
	done := make(map[int]bool, len(scope))
	remaining = append([]int(nil), scope...)

	for len(remaining) > 0 {
		pick := -1
		for i, n := range remaining {
			if allDone(idx.nodes[n].lifted, done) {
				pick = i
				break
			}
		}
		if pick < 0 {
			break
		}
		n := remaining[pick]
		remaining = append(remaining[:pick], remaining[pick+1:]...)
		done[n] = true
		order = append(order, n)
	}
	return order, remaining
}

func allDone(deps []int, done map[int]bool) bool {
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// findCycle uses depth-first search over lifted edges to report one cycle
// among the given units.
func findCycle(idx *unitIndex, candidates []int) []string {
	visited := make(map[int]bool)
	recStack := make(map[int]bool)

	var visit func(n int, path []int) []int
	visit = func(n int, path []int) []int {
		visited[n] = true
		recStack[n] = true
		path = append(path, n)

		for _, dep := range idx.nodes[n].lifted {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				for i, id := range path {
					if id == dep {
						return append(append([]int(nil), path[i:]...), dep)
					}
				}
			}
		}

		recStack[n] = false
		return nil
	}

	for _, n := range candidates {
		if visited[n] {
			continue
		}
		if cycle := visit(n, nil); cycle != nil {
			return idx.names(cycle)
		}
	}
	return idx.names(candidates)
}

func containsIndex(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// Graph is the validated dependency graph of a configuration set.
type Graph struct {
	idx *unitIndex
}

// BuildGraph validates a set and returns its dependency graph. The error is
// a *ValidationError when the set has a structural defect.
func BuildGraph(set *ConfigurationSet) (*Graph, error) {
	if set == nil {
		return nil, ErrNilSet
	}
	idx := buildIndex(set)
	if verr := validate(idx); verr != nil {
		return nil, verr
	}
	return &Graph{idx: idx}, nil
}

// Order returns every unit in the order a run would start processing them,
// assuming every unit succeeds.
func (g *Graph) Order() []*ConfigurationUnit {
	var out []*ConfigurationUnit
	var walk func(scope []int)
	walk = func(scope []int) {
		order, _ := simulateScope(g.idx, scope)
		for _, n := range order {
			out = append(out, g.idx.nodes[n].unit)
			walk(g.idx.nodes[n].children)
		}
	}
	walk(g.idx.top)
	return out
}

// ToDOT generates a DOT format representation of the graph. Groups are drawn
// as clusters and edges point from a dependency to its dependent.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph ConfigurationSet {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	var writeScope func(scope []int, indent string)
	writeScope = func(scope []int, indent string) {
		for _, i := range scope {
			n := g.idx.nodes[i]
			if n.unit.IsGroup {
				sb.WriteString(fmt.Sprintf("%ssubgraph cluster_%d {\n", indent, n.index))
				sb.WriteString(fmt.Sprintf("%s  label=\"%s\";\n", indent, dotEscape(n.unit.DisplayName())))
				sb.WriteString(fmt.Sprintf("%s  style=dashed;\n", indent))
				writeNode(&sb, n, indent+"  ")
				writeScope(n.children, indent+"  ")
				sb.WriteString(indent + "}\n")
				continue
			}
			writeNode(&sb, n, indent)
		}
	}
	writeScope(g.idx.top, "  ")
	sb.WriteString("\n")

	for _, n := range g.idx.nodes {
		for _, dep := range n.deps {
			style := "style=solid, color=black"
			if g.idx.nodes[dep].parent != n.parent {
				style = "style=dashed, color=gray"
			}
			sb.WriteString(fmt.Sprintf("  \"u%d\" -> \"u%d\" [%s];\n", dep, n.index, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func writeNode(sb *strings.Builder, n *unitNode, indent string) {
	label := fmt.Sprintf("%s\\n%s", dotEscape(n.unit.DisplayName()), dotEscape(n.unit.Type))
	sb.WriteString(fmt.Sprintf("%s\"u%d\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
		indent, n.index, label, intentColor(n.unit)))
}

// intentColor returns a fill color for visualizing unit intents.
func intentColor(u *ConfigurationUnit) string {
	if !u.IsActive() {
		return "lightgray"
	}
	switch u.EffectiveIntent() {
	case IntentAssert:
		return "lightyellow"
	case IntentInform:
		return "lightblue"
	default:
		return "lightgreen"
	}
}

func dotEscape(s string) string {
	return strings.ReplaceAll(s, "\"", "\\\"")
}
