package model

import (
	"fmt"
	"strconv"
)

// NodeID identifies a drone, client or server. Ids are unique across all
// three kinds within one topology.
type NodeID uint8

// String implements fmt.Stringer.
func (id NodeID) String() string {
	return strconv.Itoa(int(id))
}

// NodeKind tags a node with its role. The kind travels alongside the id
// everywhere; nothing derives it from the numeric value of the id.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindDrone
	KindClient
	KindServer
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case KindDrone:
		return "drone"
	case KindClient:
		return "client"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseNodeKind maps the lower-case kind name back to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	switch s {
	case "drone":
		return KindDrone, nil
	case "client":
		return KindClient, nil
	case "server":
		return KindServer, nil
	default:
		return KindUnknown, fmt.Errorf("unknown node kind %q", s)
	}
}

// IsEndpoint reports whether the kind only ever attaches to drones.
func (k NodeKind) IsEndpoint() bool {
	return k == KindClient || k == KindServer
}

// RegistryEntry records a node's kind and its slot inside the per-kind
// vector the observer renders. Positions start at zero for each kind.
type RegistryEntry struct {
	Kind     NodeKind `json:"kind"`
	Position int      `json:"position"`
}

// Endpoint is a fully resolved node reference handed to the observer.
type Endpoint struct {
	ID       NodeID   `json:"id"`
	Kind     NodeKind `json:"kind"`
	Position int      `json:"position"`
}

// Edge is an undirected link between two nodes with Low < High. Kind and
// position of both endpoints are denormalised for the observer.
type Edge struct {
	Low  Endpoint `json:"low"`
	High Endpoint `json:"high"`
}

// EdgeKey is the canonical identity of an undirected pair.
type EdgeKey struct {
	Low  NodeID
	High NodeID
}

// KeyOf canonicalises an unordered pair.
func KeyOf(a, b NodeID) EdgeKey {
	if a > b {
		a, b = b, a
	}
	return EdgeKey{Low: a, High: b}
}

// Key returns the canonical pair of the edge.
func (e Edge) Key() EdgeKey {
	return EdgeKey{Low: e.Low.ID, High: e.High.ID}
}

// Touches reports whether id is one of the edge endpoints.
func (e Edge) Touches(id NodeID) bool {
	return e.Low.ID == id || e.High.ID == id
}

// AdjacencyView is the observer-facing neighbourhood of a node: the ids it
// is connected to and the drone ids it could still be connected to.
type AdjacencyView struct {
	ID          NodeID   `json:"id"`
	Kind        NodeKind `json:"kind"`
	Adjacent    []NodeID `json:"adjacent"`
	NotAdjacent []NodeID `json:"not_adjacent"`
}

// MarshalText encodes the kind by name.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *NodeKind) UnmarshalText(b []byte) error {
	parsed, err := ParseNodeKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
