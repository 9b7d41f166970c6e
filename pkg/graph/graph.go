package graph

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrNodeNotFound is returned when a path endpoint is not in the graph
	ErrNodeNotFound = errors.New("node not found")
	// ErrNoPath is returned when no path exists within the depth bound
	ErrNoPath = errors.New("no path found")
)

// Graph interface defines graph operations
type Graph interface {
	AddNode(nodeID string, nodeType string)
	AddEdge(from, to, relationship string)
	GetNeighbors(nodeID string) map[string]string
	GetIncomingEdges(nodeID string) map[string]string
	FindPath(from, to string, maxDepth int) ([]string, error)
	FindAllPaths(from, to string, maxDepth, limit int) [][]string
	Clear()
}

// IndexedGraph implements an indexed directed graph with adjacency lists.
// Parallel edges between the same pair collapse into one adjacency entry.
type IndexedGraph struct {
	adjacency map[string]map[string]string // node -> {neighbor -> relationship}
	reverse   map[string]map[string]string // reverse edges for incoming queries
	index     map[string][]string          // type index
	mu        sync.RWMutex
}

// NewIndexedGraph creates a new indexed graph
func NewIndexedGraph() *IndexedGraph {
	return &IndexedGraph{
		adjacency: make(map[string]map[string]string),
		reverse:   make(map[string]map[string]string),
		index:     make(map[string][]string),
	}
}

// AddNode adds a node to the graph
func (g *IndexedGraph) AddNode(nodeID string, nodeType string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.adjacency[nodeID]; !exists {
		g.ensure(nodeID)
		if nodeType != "" {
			g.index[nodeType] = append(g.index[nodeType], nodeID)
		}
	}
}

func (g *IndexedGraph) ensure(nodeID string) {
	if _, exists := g.adjacency[nodeID]; !exists {
		g.adjacency[nodeID] = make(map[string]string)
		g.reverse[nodeID] = make(map[string]string)
	}
}

// AddEdge adds a directed edge between nodes, creating missing nodes
func (g *IndexedGraph) AddEdge(from, to, relationship string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ensure(from)
	g.ensure(to)

	g.adjacency[from][to] = relationship
	g.reverse[to][from] = relationship
}

// HasNode reports whether the node exists
func (g *IndexedGraph) HasNode(nodeID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.adjacency[nodeID]
	return exists
}

// GetNeighbors returns all outgoing neighbors of a node
func (g *IndexedGraph) GetNeighbors(nodeID string) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyEdges(g.adjacency[nodeID])
}

// GetIncomingEdges returns all incoming edges to a node
func (g *IndexedGraph) GetIncomingEdges(nodeID string) map[string]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyEdges(g.reverse[nodeID])
}

func copyEdges(edges map[string]string) map[string]string {
	result := make(map[string]string, len(edges))
	for k, v := range edges {
		result[k] = v
	}
	return result
}

// OutDegree returns the number of distinct successors
func (g *IndexedGraph) OutDegree(nodeID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency[nodeID])
}

// InDegree returns the number of distinct predecessors
func (g *IndexedGraph) InDegree(nodeID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.reverse[nodeID])
}

// Nodes returns all node ids in sorted order
func (g *IndexedGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]string, 0, len(g.adjacency))
	for id := range g.adjacency {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// NodesOfType returns the nodes indexed under a type
func (g *IndexedGraph) NodesOfType(nodeType string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.index[nodeType]...)
}

// successors returns outgoing neighbors in sorted order; caller holds the lock
func (g *IndexedGraph) successors(nodeID string) []string {
	out := make([]string, 0, len(g.adjacency[nodeID]))
	for n := range g.adjacency[nodeID] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// FindPath finds a shortest directed path using BFS. The path has at most
// maxDepth edges. Neighbors are visited in id order so results are stable.
func (g *IndexedGraph) FindPath(from, to string, maxDepth int) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, exists := g.adjacency[from]; !exists {
		return nil, ErrNodeNotFound
	}
	if _, exists := g.adjacency[to]; !exists {
		return nil, ErrNodeNotFound
	}
	if from == to {
		return []string{from}, nil
	}

	queue := [][]string{{from}}
	visited := make(map[string]bool)
	visited[from] = true

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		if len(path)-1 >= maxDepth {
			continue
		}

		current := path[len(path)-1]
		for _, neighbor := range g.successors(current) {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			newPath := make([]string, len(path), len(path)+1)
			copy(newPath, path)
			newPath = append(newPath, neighbor)

			if neighbor == to {
				return newPath, nil
			}
			queue = append(queue, newPath)
		}
	}

	return nil, ErrNoPath
}

// FindAllPaths returns up to limit simple directed paths of 1..maxDepth edges,
// shortest first. Paths of equal length keep DFS order over sorted neighbors.
func (g *IndexedGraph) FindAllPaths(from, to string, maxDepth, limit int) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var results [][]string
	if limit <= 0 || maxDepth <= 0 {
		return results
	}
	if _, exists := g.adjacency[from]; !exists {
		return results
	}
	if _, exists := g.adjacency[to]; !exists {
		return results
	}

	// Iterative deepening keeps results ordered by length and lets the
	// search stop as soon as limit paths are found.
	for depth := 1; depth <= maxDepth && len(results) < limit; depth++ {
		onPath := map[string]bool{from: true}
		path := []string{from}

		var walk func(current string)
		walk = func(current string) {
			if len(results) >= limit {
				return
			}
			if len(path)-1 == depth {
				if current == to {
					results = append(results, append([]string(nil), path...))
				}
				return
			}
			if current == to {
				return
			}
			for _, neighbor := range g.successors(current) {
				if onPath[neighbor] {
					continue
				}
				onPath[neighbor] = true
				path = append(path, neighbor)
				walk(neighbor)
				path = path[:len(path)-1]
				delete(onPath, neighbor)
			}
		}
		walk(from)
	}

	return results
}

// Clear removes all nodes and edges
func (g *IndexedGraph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.adjacency = make(map[string]map[string]string)
	g.reverse = make(map[string]map[string]string)
	g.index = make(map[string][]string)
}

// NodeCount returns the number of nodes in the graph
func (g *IndexedGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adjacency)
}

// EdgeCount returns the number of distinct directed node pairs
func (g *IndexedGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, neighbors := range g.adjacency {
		count += len(neighbors)
	}
	return count
}
