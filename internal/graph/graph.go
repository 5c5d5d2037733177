// Package graph builds and sorts a dependency DAG over arbitrary node IDs.
// It backs both the job definition builder's action-DAG validation and the
// controller's transitive-needs computation.
package graph

import (
	"fmt"
	"sort"
	"strings"
)

// Node is anything with an ID and a list of dependency IDs.
type Node struct {
	ID        string
	DependsOn []string
}

// Graph is the dependency DAG built from a set of Nodes.
type Graph struct {
	nodes      map[string]bool
	edges      map[string][]string
	dependents map[string][]string
}

// CycleError indicates a circular dependency was detected.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}

// MissingDependencyError indicates a referenced dependency doesn't exist.
type MissingDependencyError struct {
	Node       string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("node %q depends on non-existent node %q", e.Node, e.Dependency)
}

// New constructs a dependency graph from nodes. Returns an error if a node
// references a missing dependency or if the graph contains a cycle.
func New(nodes []Node) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]bool),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for _, n := range nodes {
		g.nodes[n.ID] = true
	}

	for _, n := range nodes {
		g.edges[n.ID] = append([]string(nil), n.DependsOn...)
		for _, dep := range n.DependsOn {
			if !g.nodes[dep] {
				return nil, &MissingDependencyError{Node: n.ID, Dependency: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], n.ID)
		}
	}

	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}

	return g, nil
}

// TopologicalSort returns node IDs in valid execution order using Kahn's
// algorithm, with sorted tie-breaking so the result is deterministic.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	for node := range g.nodes {
		inDegree[node] = len(g.edges[node])
	}

	var queue []string
	for node := range g.nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		dependents := append([]string(nil), g.dependents[current]...)
		sort.Strings(dependents)

		for _, dependent := range dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
		sort.Strings(queue)
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Cycle: g.findCycle()}
	}

	return result, nil
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.edges[id]...)
}

// TransitiveDependencies returns the full set of ancestors of id (its
// dependencies, their dependencies, and so on), sorted.
func (g *Graph) TransitiveDependencies(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.edges[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	result := make([]string, 0, len(seen))
	for dep := range seen {
		result = append(result, dep)
	}
	sort.Strings(result)
	return result
}

// Dependents returns nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Levels groups nodes by dependency depth; level 0 has no dependencies.
func (g *Graph) Levels() [][]string {
	inDegree := make(map[string]int)
	for node := range g.nodes {
		inDegree[node] = len(g.edges[node])
	}

	var levels [][]string
	visited := make(map[string]bool)

	for len(visited) < len(g.nodes) {
		var current []string
		for node := range g.nodes {
			if visited[node] {
				continue
			}
			ready := true
			for _, dep := range g.edges[node] {
				if !visited[dep] {
					ready = false
					break
				}
			}
			if ready {
				current = append(current, node)
			}
		}
		sort.Strings(current)
		for _, node := range current {
			visited[node] = true
		}
		levels = append(levels, current)
	}

	return levels
}

func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)
	parent := make(map[string]string)
	for node := range g.nodes {
		color[node] = white
	}

	var cycle []string
	var dfs func(string) bool

	dfs = func(node string) bool {
		color[node] = gray

		dependents := append([]string(nil), g.dependents[node]...)
		sort.Strings(dependents)

		for _, dep := range dependents {
			if color[dep] == gray {
				cycle = []string{dep}
				current := node
				for current != dep {
					cycle = append([]string{current}, cycle...)
					current = parent[current]
				}
				cycle = append(cycle, dep)
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}

		color[node] = black
		return false
	}

	var sortedNodes []string
	for node := range g.nodes {
		sortedNodes = append(sortedNodes, node)
	}
	sort.Strings(sortedNodes)

	for _, node := range sortedNodes {
		if color[node] == white {
			if dfs(node) {
				return cycle
			}
		}
	}

	return nil
}
