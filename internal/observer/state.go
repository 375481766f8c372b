package observer

import (
	"sort"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// View is a copy of the observer-side model.
type View struct {
	Generation string `json:"generation"`
	Source     string `json:"source"`
	// Per-kind node vectors, indexed by registry position. Crashed nodes
	// keep their slot.
	Drones    []model.NodeState     `json:"drones"`
	Clients   []model.NodeState     `json:"clients"`
	Servers   []model.NodeState     `json:"servers"`
	Edges     []model.Edge          `json:"edges"`
	Adjacency []model.AdjacencyView `json:"adjacency"`
	Messages  []model.DisplayEvent  `json:"messages"`
	Notices   []model.Notice        `json:"notices"`
}

// state is only ever touched from the hub goroutine.
type state struct {
	generation string
	source     string
	slots      map[model.NodeKind][]model.NodeState
	edges      map[model.EdgeKey]model.Edge
	order      []model.EdgeKey
	adjacency  map[model.NodeID]model.AdjacencyView

	messages *ring[model.DisplayEvent]
	notices  *ring[model.Notice]
}

func newState(messageLog, noticeLog int) *state {
	s := &state{
		messages: newRing[model.DisplayEvent](messageLog),
		notices:  newRing[model.Notice](noticeLog),
	}
	s.reset()
	return s
}

func (s *state) reset() {
	s.generation = ""
	s.source = ""
	s.slots = make(map[model.NodeKind][]model.NodeState, 3)
	s.edges = make(map[model.EdgeKey]model.Edge)
	s.order = nil
	s.adjacency = make(map[model.NodeID]model.AdjacencyView)
	s.messages.clear()
}

func (s *state) applyTopology(snap model.TopologySnapshot) {
	s.reset()
	s.generation = snap.Generation
	s.source = snap.Source
	for _, n := range snap.Nodes {
		s.setSlot(n)
	}
	for _, e := range snap.Edges {
		s.addEdge(e)
	}
	for _, v := range snap.Adjacency {
		s.adjacency[v.ID] = v
	}
}

func (s *state) applyDelta(d model.GraphDelta) {
	switch d.Op {
	case model.DeltaAddEdge:
		for _, e := range d.Edges {
			s.addEdge(e)
		}
	case model.DeltaRemoveEdge:
		for _, e := range d.Edges {
			s.removeEdge(e.Key())
		}
	case model.DeltaRemoveNode:
		for _, e := range d.Edges {
			s.removeEdge(e.Key())
		}
		if d.Node != nil {
			crashed := *d.Node
			crashed.Crashed = true
			s.setSlot(crashed)
			delete(s.adjacency, d.Node.ID)
		}
	case model.DeltaUpdateNode:
		if d.Node != nil {
			s.setSlot(*d.Node)
		}
	}
	for _, v := range d.Adjacency {
		s.adjacency[v.ID] = v
	}
}

// setSlot writes n at its position, growing the per-kind vector as needed.
func (s *state) setSlot(n model.NodeState) {
	if n.Position < 0 {
		return
	}
	slots := s.slots[n.Kind]
	for len(slots) <= n.Position {
		slots = append(slots, model.NodeState{Endpoint: model.Endpoint{Kind: n.Kind, Position: len(slots)}})
	}
	slots[n.Position] = n
	s.slots[n.Kind] = slots
}

func (s *state) addEdge(e model.Edge) {
	key := e.Key()
	if _, ok := s.edges[key]; !ok {
		s.order = append(s.order, key)
	}
	s.edges[key] = e
}

func (s *state) removeEdge(key model.EdgeKey) {
	if _, ok := s.edges[key]; !ok {
		return
	}
	delete(s.edges, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *state) view() View {
	v := View{
		Generation: s.generation,
		Source:     s.source,
		Drones:     append([]model.NodeState(nil), s.slots[model.KindDrone]...),
		Clients:    append([]model.NodeState(nil), s.slots[model.KindClient]...),
		Servers:    append([]model.NodeState(nil), s.slots[model.KindServer]...),
		Edges:      make([]model.Edge, 0, len(s.order)),
		Adjacency:  make([]model.AdjacencyView, 0, len(s.adjacency)),
		Messages:   s.messages.items(),
		Notices:    s.notices.items(),
	}
	for _, key := range s.order {
		v.Edges = append(v.Edges, s.edges[key])
	}
	for _, a := range s.adjacency {
		v.Adjacency = append(v.Adjacency, a)
	}
	sort.Slice(v.Adjacency, func(i, j int) bool { return v.Adjacency[i].ID < v.Adjacency[j].ID })
	return v
}

// ring keeps the most recent entries up to its capacity.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring[T]) clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.start, r.size = 0, 0
}
