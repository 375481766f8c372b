package model

// PacketType discriminates the payload of a Packet.
type PacketType int

const (
	PacketFragment PacketType = iota
	PacketAck
	PacketNack
	PacketFloodRequest
	PacketFloodResponse
)

// String implements fmt.Stringer.
func (t PacketType) String() string {
	switch t {
	case PacketFragment:
		return "fragment"
	case PacketAck:
		return "ack"
	case PacketNack:
		return "nack"
	case PacketFloodRequest:
		return "flood_request"
	case PacketFloodResponse:
		return "flood_response"
	default:
		return "unknown"
	}
}

// NackReason explains why a fragment was negatively acknowledged.
type NackReason int

const (
	NackErrorInRouting NackReason = iota
	NackDestinationIsDrone
	NackUnexpectedRecipient
	// NackDropped is the in-transit drop notification. The engine reports the
	// same loss as a PacketDropped event.
	NackDropped
)

// String implements fmt.Stringer.
func (r NackReason) String() string {
	switch r {
	case NackErrorInRouting:
		return "error_in_routing"
	case NackDestinationIsDrone:
		return "destination_is_drone"
	case NackUnexpectedRecipient:
		return "unexpected_recipient"
	case NackDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// SourceRoute is the hop list a packet travels. Hops[HopIndex] is the node
// currently holding the packet.
type SourceRoute struct {
	Hops     []NodeID `json:"hops"`
	HopIndex int      `json:"hop_index"`
}

// Current returns the node currently holding the packet.
func (r SourceRoute) Current() (NodeID, bool) {
	return r.hop(r.HopIndex)
}

// Previous returns the node the packet arrived from.
func (r SourceRoute) Previous() (NodeID, bool) {
	return r.hop(r.HopIndex - 1)
}

// Next returns the node the packet is heading to.
func (r SourceRoute) Next() (NodeID, bool) {
	return r.hop(r.HopIndex + 1)
}

// Destination returns the last hop.
func (r SourceRoute) Destination() (NodeID, bool) {
	return r.hop(len(r.Hops) - 1)
}

// Reversed returns the route back to the first hop, starting at the current
// holder.
func (r SourceRoute) Reversed() SourceRoute {
	end := r.HopIndex
	if end >= len(r.Hops) {
		end = len(r.Hops) - 1
	}
	hops := make([]NodeID, 0, end+1)
	for i := end; i >= 0; i-- {
		hops = append(hops, r.Hops[i])
	}
	return SourceRoute{Hops: hops}
}

func (r SourceRoute) hop(i int) (NodeID, bool) {
	if i < 0 || i >= len(r.Hops) {
		return 0, false
	}
	return r.Hops[i], true
}

// PathHop is one entry of a flood request's path trace.
type PathHop struct {
	ID   NodeID   `json:"id"`
	Kind NodeKind `json:"kind"`
}

// FloodRequest carries the discovery state of a flood.
type FloodRequest struct {
	FloodID   uint64    `json:"flood_id"`
	Initiator NodeID    `json:"initiator"`
	PathTrace []PathHop `json:"path_trace"`
}

// Packet is the unit moved between nodes by the engine.
type Packet struct {
	Type          PacketType    `json:"type"`
	SessionID     uint64        `json:"session_id"`
	FragmentIndex uint64        `json:"fragment_index"`
	Route         SourceRoute   `json:"route"`
	Nack          NackReason    `json:"nack,omitempty"`
	Flood         *FloodRequest `json:"flood,omitempty"`
	// Trace is filled for flood responses with the discovered path.
	Trace []PathHop `json:"trace,omitempty"`
}
