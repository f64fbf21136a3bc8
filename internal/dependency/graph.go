package dependency

import (
	"sort"

	"helmsman/internal/api"
	"helmsman/internal/registry"
)

// node is a service together with its dependency list and its position in
// the registry file, used for deterministic tie-breaking.
type node struct {
	id        string
	dependsOn []string
	pos       int
}

// Graph answers dependency queries over a registry snapshot. It is not
// mutated after construction, so it is safe for concurrent readers.
type Graph struct {
	nodes map[string]node
	order []string
}

// FromSpecs builds a graph from declared service descriptors. The slice
// order is taken as registry insertion order.
func FromSpecs(specs []registry.ServiceSpec) *Graph {
	g := &Graph{nodes: make(map[string]node, len(specs))}
	for i, spec := range specs {
		g.nodes[spec.ID] = node{
			id:        spec.ID,
			dependsOn: append([]string(nil), spec.DependsOn...),
			pos:       i,
		}
		g.order = append(g.order, spec.ID)
	}
	return g
}

// Dependencies returns the immediate dependency ids for a service.
func (g *Graph) Dependencies(id string) []string {
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.dependsOn...)
	}
	return nil
}

// Dependents returns all services with a direct dependency on id. An O(n)
// walk; registry graphs are small.
func (g *Graph) Dependents(id string) []string {
	var res []string
	for _, nid := range g.order {
		for _, dep := range g.nodes[nid].dependsOn {
			if dep == id {
				res = append(res, nid)
				break
			}
		}
	}
	return res
}

// TransitiveDependents returns every service that reaches id through the
// dependency relation, directly or not.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var res []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.Dependents(cur) {
			if !seen[dep] {
				seen[dep] = true
				res = append(res, dep)
				queue = append(queue, dep)
			}
		}
	}
	return res
}

// Resolve computes the transitive dependency closure of the requested
// services and returns it in a start order: every service appears after all
// of its transitive dependencies. Unknown ids yield an UnknownResourceError;
// a cycle yields a CyclicDependencyError naming its members.
func (g *Graph) Resolve(requested []string) ([]string, error) {
	closure, err := g.closure(requested)
	if err != nil {
		return nil, err
	}
	return g.topoSort(closure)
}

// ResolveLevels is Resolve grouped into start levels: level i+1 services
// only depend (transitively) on services at levels <= i, so everything
// within one level may start concurrently.
func (g *Graph) ResolveLevels(requested []string) ([][]string, error) {
	order, err := g.Resolve(requested)
	if err != nil {
		return nil, err
	}

	inClosure := make(map[string]bool, len(order))
	for _, id := range order {
		inClosure[id] = true
	}

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		l := 0
		for _, dep := range g.nodes[id].dependsOn {
			if inClosure[dep] && level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[level[id]] = append(levels[level[id]], id)
	}
	return levels, nil
}

func (g *Graph) closure(requested []string) (map[string]bool, error) {
	closure := make(map[string]bool)
	var queue []string
	for _, id := range requested {
		if _, ok := g.nodes[id]; !ok {
			return nil, api.NewUnknownServiceError(id)
		}
		if !closure[id] {
			closure[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.nodes[cur].dependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return nil, api.NewUnknownServiceError(dep)
			}
			if !closure[dep] {
				closure[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return closure, nil
}

// topoSort is Kahn's algorithm restricted to the closure, selecting among
// ready nodes by registry insertion order. Nodes left over when no ready
// node remains are exactly the cycle members.
func (g *Graph) topoSort(closure map[string]bool) ([]string, error) {
	indegree := make(map[string]int, len(closure))
	for id := range closure {
		for _, dep := range g.nodes[id].dependsOn {
			if closure[dep] {
				indegree[id]++
			}
		}
	}

	var ready []string
	for id := range closure {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(closure))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return g.nodes[ready[i]].pos < g.nodes[ready[j]].pos
		})
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)

		for _, dep := range g.Dependents(cur) {
			if !closure[dep] {
				continue
			}
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(closure) {
		var members []string
		for id := range closure {
			if indegree[id] > 0 {
				members = append(members, id)
			}
		}
		sort.Slice(members, func(i, j int) bool {
			return g.nodes[members[i]].pos < g.nodes[members[j]].pos
		})
		return nil, &api.CyclicDependencyError{Members: members}
	}
	return order, nil
}
