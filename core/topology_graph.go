package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Rusteze-AP/simulation-controller/model"
)

var (
	// ErrNodeNotFound indicates an id with no adjacency view in the graph.
	ErrNodeNotFound = errors.New("node not found in topology graph")
	// ErrSelfLoop indicates an edge from a node to itself.
	ErrSelfLoop = errors.New("edge endpoints must differ")
	// ErrUnresolvedNeighbor indicates a declared neighbor the registry does not know.
	ErrUnresolvedNeighbor = errors.New("declared neighbor is not registered")
)

// EntryResolver resolves a node id to its registry entry. kb.Registry
// satisfies it.
type EntryResolver interface {
	Lookup(id model.NodeID) (model.RegistryEntry, bool)
}

type idSet map[model.NodeID]struct{}

func (s idSet) sorted() []model.NodeID {
	out := make([]model.NodeID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type adjacency struct {
	kind        model.NodeKind
	adjacent    idSet
	notAdjacent idSet
}

// Graph is the authoritative edge set plus, per node, the adjacent and
// not-adjacent neighbor sets. Not-adjacent sets only ever hold drone ids:
// clients and servers attach to drones and never to each other.
//
// Invariant: for every node x, adjacent(x) and notAdjacent(x) are disjoint.
type Graph struct {
	mu sync.RWMutex

	edges map[model.EdgeKey]model.Edge
	// order keeps edges in insertion order for stable observer output.
	order []model.EdgeKey
	views map[model.NodeID]*adjacency
	// drones is the universe of not-adjacent candidates.
	drones idSet
}

// NewGraph constructs an empty graph.
func NewGraph() *Graph {
	return &Graph{
		edges:  make(map[model.EdgeKey]model.Edge),
		views:  make(map[model.NodeID]*adjacency),
		drones: make(idSet),
	}
}

// Build replaces the graph with the one declared by t. Each declared
// neighbor yields at most one edge per unordered pair, tagged through reg.
// Neighbors reg cannot resolve are skipped and reported in the returned
// error; the rest of the graph is still built.
func (g *Graph) Build(t model.Topology, reg EntryResolver) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.edges = make(map[model.EdgeKey]model.Edge)
	g.order = nil
	g.views = make(map[model.NodeID]*adjacency, t.Len())
	g.drones = make(idSet, len(t.Drones))

	for _, d := range t.Drones {
		g.drones[d.ID] = struct{}{}
	}
	all := t.All()
	for _, n := range all {
		g.views[n.ID] = &adjacency{kind: n.Kind, adjacent: make(idSet), notAdjacent: make(idSet)}
	}

	var errs []error
	for _, n := range all {
		for _, peer := range n.Neighbors {
			if peer == n.ID {
				errs = append(errs, fmt.Errorf("node %d: %w", n.ID, ErrSelfLoop))
				continue
			}
			if _, ok := g.views[peer]; !ok {
				errs = append(errs, fmt.Errorf("node %d -> %d: %w", n.ID, peer, ErrUnresolvedNeighbor))
				continue
			}
			key := model.KeyOf(n.ID, peer)
			if _, exists := g.edges[key]; !exists {
				edge, err := tagEdge(key, reg)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				g.edges[key] = edge
				g.order = append(g.order, key)
			}
			g.views[n.ID].adjacent[peer] = struct{}{}
			g.views[peer].adjacent[n.ID] = struct{}{}
		}
	}

	for id, v := range g.views {
		for d := range g.drones {
			if d == id {
				continue
			}
			if _, adj := v.adjacent[d]; !adj {
				v.notAdjacent[d] = struct{}{}
			}
		}
	}

	return errors.Join(errs...)
}

// AddEdge connects a and b. It reports false without touching the graph if
// the pair is already connected.
func (g *Graph) AddEdge(a, b model.NodeID, reg EntryResolver) (model.Edge, bool, error) {
	if a == b {
		return model.Edge{}, false, ErrSelfLoop
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	va, okA := g.views[a]
	vb, okB := g.views[b]
	if !okA || !okB {
		return model.Edge{}, false, fmt.Errorf("add edge %d-%d: %w", a, b, ErrNodeNotFound)
	}

	key := model.KeyOf(a, b)
	if existing, ok := g.edges[key]; ok {
		return existing, false, nil
	}
	edge, err := tagEdge(key, reg)
	if err != nil {
		return model.Edge{}, false, err
	}

	g.edges[key] = edge
	g.order = append(g.order, key)

	va.adjacent[b] = struct{}{}
	delete(va.notAdjacent, b)
	vb.adjacent[a] = struct{}{}
	delete(vb.notAdjacent, a)
	return edge, true, nil
}

// RemoveEdge disconnects a and b. Removing a pair that is not connected is
// a no-op and reports false.
func (g *Graph) RemoveEdge(a, b model.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := model.KeyOf(a, b)
	if _, ok := g.edges[key]; !ok {
		return false
	}
	g.deleteEdgeLocked(key)

	g.detachLocked(a, b)
	g.detachLocked(b, a)
	return true
}

// detachLocked moves peer from id's adjacent set into its not-adjacent set
// when peer is a drone candidate. Caller must hold g.mu.
func (g *Graph) detachLocked(id, peer model.NodeID) {
	v, ok := g.views[id]
	if !ok {
		return
	}
	delete(v.adjacent, peer)
	if _, drone := g.drones[peer]; drone {
		v.notAdjacent[peer] = struct{}{}
	}
}

// RemoveNode removes every edge touching id and drops id from every other
// node's adjacent and not-adjacent sets. It returns the nodes that were
// adjacent to id, in ascending order.
func (g *Graph) RemoveNode(id model.NodeID) ([]model.NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.views[id]
	if !ok {
		return nil, fmt.Errorf("remove node %d: %w", id, ErrNodeNotFound)
	}
	former := v.adjacent.sorted()

	kept := g.order[:0]
	for _, key := range g.order {
		if key.Low == id || key.High == id {
			delete(g.edges, key)
			continue
		}
		kept = append(kept, key)
	}
	g.order = kept

	delete(g.views, id)
	delete(g.drones, id)
	for _, other := range g.views {
		delete(other.adjacent, id)
		delete(other.notAdjacent, id)
	}
	return former, nil
}

// Clear empties the graph.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = make(map[model.EdgeKey]model.Edge)
	g.order = nil
	g.views = make(map[model.NodeID]*adjacency)
	g.drones = make(idSet)
}

// HasEdge reports whether a and b are connected.
func (g *Graph) HasEdge(a, b model.NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edges[model.KeyOf(a, b)]
	return ok
}

// HasNode reports whether id has an adjacency view.
func (g *Graph) HasNode(id model.NodeID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.views[id]
	return ok
}

// Edges returns a copy of the edge set in insertion order.
func (g *Graph) Edges() []model.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.Edge, 0, len(g.order))
	for _, key := range g.order {
		out = append(out, g.edges[key])
	}
	return out
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Adjacency returns the view of id with sorted sets.
func (g *Graph) Adjacency(id model.NodeID) (model.AdjacencyView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.views[id]
	if !ok {
		return model.AdjacencyView{}, false
	}
	return viewOf(id, v), true
}

// Views returns every adjacency view ordered by id.
func (g *Graph) Views() []model.AdjacencyView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.AdjacencyView, 0, len(g.views))
	for id, v := range g.views {
		out = append(out, viewOf(id, v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Neighbors returns the nodes currently adjacent to id.
func (g *Graph) Neighbors(id model.NodeID) []model.NodeID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.views[id]
	if !ok {
		return nil
	}
	return v.adjacent.sorted()
}

func (g *Graph) deleteEdgeLocked(key model.EdgeKey) {
	delete(g.edges, key)
	for i, k := range g.order {
		if k == key {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

func viewOf(id model.NodeID, v *adjacency) model.AdjacencyView {
	return model.AdjacencyView{
		ID:          id,
		Kind:        v.kind,
		Adjacent:    v.adjacent.sorted(),
		NotAdjacent: v.notAdjacent.sorted(),
	}
}

func tagEdge(key model.EdgeKey, reg EntryResolver) (model.Edge, error) {
	low, ok := reg.Lookup(key.Low)
	if !ok {
		return model.Edge{}, fmt.Errorf("edge %d-%d: node %d: %w", key.Low, key.High, key.Low, ErrUnresolvedNeighbor)
	}
	high, ok := reg.Lookup(key.High)
	if !ok {
		return model.Edge{}, fmt.Errorf("edge %d-%d: node %d: %w", key.Low, key.High, key.High, ErrUnresolvedNeighbor)
	}
	return model.Edge{
		Low:  model.Endpoint{ID: key.Low, Kind: low.Kind, Position: low.Position},
		High: model.Endpoint{ID: key.High, Kind: high.Kind, Position: high.Position},
	}, nil
}
