package model

import "time"

// NodeState is one node slot as the observer renders it.
type NodeState struct {
	Endpoint
	DropRate float64 `json:"drop_rate"`
	// Crashed nodes keep their slot so positions of the others stay valid.
	Crashed bool `json:"crashed"`
}

// TopologySnapshot is a full replacement of the observer's graph state.
type TopologySnapshot struct {
	// Generation changes on every successful load.
	Generation string          `json:"generation"`
	Source     string          `json:"source"`
	Nodes      []NodeState     `json:"nodes"`
	Edges      []Edge          `json:"edges"`
	Adjacency  []AdjacencyView `json:"adjacency"`
}

// DeltaOp names an incremental graph change.
type DeltaOp int

const (
	DeltaAddEdge DeltaOp = iota + 1
	DeltaRemoveEdge
	DeltaRemoveNode
	DeltaUpdateNode
)

// String implements fmt.Stringer.
func (op DeltaOp) String() string {
	switch op {
	case DeltaAddEdge:
		return "add_edge"
	case DeltaRemoveEdge:
		return "remove_edge"
	case DeltaRemoveNode:
		return "remove_node"
	case DeltaUpdateNode:
		return "update_node"
	default:
		return "unknown"
	}
}

// MarshalText encodes the op by name.
func (op DeltaOp) MarshalText() ([]byte, error) {
	return []byte(op.String()), nil
}

// GraphDelta is an incremental observer update. Edges lists the edges the
// op added or removed; Adjacency carries the refreshed views of every node
// whose neighbourhood changed.
type GraphDelta struct {
	Op        DeltaOp         `json:"op"`
	Node      *NodeState      `json:"node,omitempty"`
	Edges     []Edge          `json:"edges,omitempty"`
	Adjacency []AdjacencyView `json:"adjacency,omitempty"`
}

// IntentStatus is the definitive outcome of an operator intent.
type IntentStatus int

const (
	IntentSucceeded IntentStatus = iota + 1
	// IntentPartial means some steps failed; the rest were applied.
	IntentPartial
	// IntentRejected means nothing was applied.
	IntentRejected
)

// String implements fmt.Stringer.
func (s IntentStatus) String() string {
	switch s {
	case IntentSucceeded:
		return "succeeded"
	case IntentPartial:
		return "partial"
	case IntentRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s IntentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Notice tells the observer how an intent ended.
type Notice struct {
	IntentID string       `json:"intent_id"`
	Intent   string       `json:"intent"`
	Status   IntentStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
	At       time.Time    `json:"at"`
}
