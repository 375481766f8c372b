package kb

import (
	"sort"
	"sync"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// Registry maps node ids to their kind and per-kind position. It is
// populated once per topology load and read concurrently afterwards, most
// notably by the event ingestion loop, which must tolerate ids that vanished
// between an event being produced and being classified.
type Registry struct {
	mu      sync.RWMutex
	entries map[model.NodeID]model.RegistryEntry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[model.NodeID]model.RegistryEntry),
	}
}

// Register replaces the registry contents with the nodes of t. Positions are
// assigned sequentially from zero within each kind, in declaration order.
func (r *Registry) Register(t model.Topology) map[model.NodeID]model.RegistryEntry {
	entries := make(map[model.NodeID]model.RegistryEntry, t.Len())
	for _, kind := range []model.NodeKind{model.KindDrone, model.KindClient, model.KindServer} {
		for pos, spec := range t.ByKind(kind) {
			entries[spec.ID] = model.RegistryEntry{Kind: kind, Position: pos}
		}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	out := make(map[model.NodeID]model.RegistryEntry, len(entries))
	for id, e := range entries {
		out[id] = e
	}
	return out
}

// Lookup returns the entry for id. A departed or unknown id yields
// ok == false rather than an error.
func (r *Registry) Lookup(id model.NodeID) (model.RegistryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Resolve returns the observer endpoint for id.
func (r *Registry) Resolve(id model.NodeID) (model.Endpoint, bool) {
	e, ok := r.Lookup(id)
	if !ok {
		return model.Endpoint{}, false
	}
	return model.Endpoint{ID: id, Kind: e.Kind, Position: e.Position}, true
}

// KindOf returns the kind of id, or KindUnknown.
func (r *Registry) KindOf(id model.NodeID) model.NodeKind {
	e, ok := r.Lookup(id)
	if !ok {
		return model.KindUnknown
	}
	return e.Kind
}

// Remove purges id. Positions of the remaining nodes are left untouched so
// observer slots stay stable.
func (r *Registry) Remove(id model.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[model.NodeID]model.RegistryEntry)
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the ids of kind k ordered by position. KindUnknown returns
// every id, drones first, then clients, then servers.
func (r *Registry) IDs(k model.NodeKind) []model.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type slot struct {
		id    model.NodeID
		entry model.RegistryEntry
	}
	slots := make([]slot, 0, len(r.entries))
	for id, e := range r.entries {
		if k != model.KindUnknown && e.Kind != k {
			continue
		}
		slots = append(slots, slot{id: id, entry: e})
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].entry.Kind != slots[j].entry.Kind {
			return slots[i].entry.Kind < slots[j].entry.Kind
		}
		return slots[i].entry.Position < slots[j].entry.Position
	})

	ids := make([]model.NodeID, len(slots))
	for i, s := range slots {
		ids[i] = s.id
	}
	return ids
}

// CountByKind returns the number of registered nodes of each kind.
func (r *Registry) CountByKind() map[model.NodeKind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.NodeKind]int, 3)
	for _, e := range r.entries {
		counts[e.Kind]++
	}
	return counts
}
