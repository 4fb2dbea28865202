package engine

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// normalizeIdentifier returns the comparison key for an identifier.
func normalizeIdentifier(identifier string) string {
	return cases.Fold().String(norm.NFC.String(identifier))
}

// unitNode is one entry of the flattened unit arena. Units are addressed by
// their position in declaration order, parents before their children.
type unitNode struct {
	index  int
	unit   *ConfigurationUnit
	key    string
	parent int
	depth  int

	// children are the direct children of a group, in declaration order.
	children []int

	// deps are the resolved dependency indices, in declaration order.
	deps []int

	// lifted are dependencies rewritten onto siblings of this node. The
	// scheduler waits on these before picking the node.
	lifted []int

	status *unitStatus
}

// unitIndex is built once per run and never changes shape afterwards.
type unitIndex struct {
	nodes []*unitNode
	top   []int
	byKey map[string][]int
	byPtr map[*ConfigurationUnit]int
}

func buildIndex(set *ConfigurationSet) *unitIndex {
	idx := &unitIndex{
		byKey: make(map[string][]int),
		byPtr: make(map[*ConfigurationUnit]int),
	}
	idx.top = idx.add(set.Units, -1, 0)
	return idx
}

func (idx *unitIndex) add(units []*ConfigurationUnit, parent, depth int) []int {
	added := make([]int, 0, len(units))
	for _, u := range units {
		if u == nil {
			continue
		}
		n := &unitNode{
			index:  len(idx.nodes),
			unit:   u,
			parent: parent,
			depth:  depth,
			status: newUnitStatus(u),
		}
		idx.nodes = append(idx.nodes, n)
		idx.byPtr[u] = n.index
		if u.Identifier != "" {
			n.key = normalizeIdentifier(u.Identifier)
			idx.byKey[n.key] = append(idx.byKey[n.key], n.index)
		}
		added = append(added, n.index)

		if u.IsGroup {
			n.children = idx.add(u.Units, n.index, depth+1)
		}
	}
	return added
}

// lookup returns the single unit owning identifier, or -1.
func (idx *unitIndex) lookup(identifier string) int {
	matches := idx.byKey[normalizeIdentifier(identifier)]
	if len(matches) != 1 {
		return -1
	}
	return matches[0]
}

// descendants returns every unit below n in flattened order.
func (idx *unitIndex) descendants(n int) []int {
	var out []int
	for _, c := range idx.nodes[n].children {
		out = append(out, c)
		out = append(out, idx.descendants(c)...)
	}
	return out
}

// isAncestor reports whether a is a strict ancestor of n.
func (idx *unitIndex) isAncestor(a, n int) bool {
	for p := idx.nodes[n].parent; p >= 0; p = idx.nodes[p].parent {
		if p == a {
			return true
		}
	}
	return false
}

// lift maps a dependency edge from n to dep onto the pair of ancestors that
// share a scope. ok is false when one unit contains the other.
func (idx *unitIndex) lift(n, dep int) (from, to int, ok bool) {
	if n == dep || idx.isAncestor(dep, n) || idx.isAncestor(n, dep) {
		return -1, -1, false
	}

	from, to = n, dep
	for idx.nodes[from].depth > idx.nodes[to].depth {
		from = idx.nodes[from].parent
	}
	for idx.nodes[to].depth > idx.nodes[from].depth {
		to = idx.nodes[to].parent
	}
	for idx.nodes[from].parent != idx.nodes[to].parent {
		from = idx.nodes[from].parent
		to = idx.nodes[to].parent
	}
	return from, to, true
}

// names returns display names for the given indices.
func (idx *unitIndex) names(indices []int) []string {
	out := make([]string, len(indices))
	for i, n := range indices {
		out[i] = idx.nodes[n].unit.DisplayName()
	}
	return out
}

// flattened returns every index in declaration order.
func (idx *unitIndex) flattened() []int {
	out := make([]int, len(idx.nodes))
	for i := range idx.nodes {
		out[i] = i
	}
	return out
}
