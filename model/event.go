package model

// Event is a notification produced by the running engine about packet
// activity. The set of events is closed.
type Event interface {
	EventPacket() Packet
	event()
}

// PacketSent reports a packet handed to the next hop.
type PacketSent struct{ Packet Packet }

// PacketDropped reports a fragment discarded in transit.
type PacketDropped struct{ Packet Packet }

// ControllerShortcut reports a packet the engine could not route and hands
// to the controller for direct delivery to its destination.
type ControllerShortcut struct{ Packet Packet }

func (e PacketSent) EventPacket() Packet         { return e.Packet }
func (e PacketDropped) EventPacket() Packet      { return e.Packet }
func (e ControllerShortcut) EventPacket() Packet { return e.Packet }

func (PacketSent) event()         {}
func (PacketDropped) event()      {}
func (ControllerShortcut) event() {}

// Category classifies an event for display and rate limiting.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryFragment
	CategoryAck
	CategoryNack
	// CategoryNackDropped duplicates a PacketDropped event and is never shown.
	CategoryNackDropped
	CategoryDropped
	CategoryFloodRequest
	CategoryFloodResponse
	CategoryShortcut
)

// Categories lists every displayable category in a stable order.
var Categories = []Category{
	CategoryFragment,
	CategoryAck,
	CategoryNack,
	CategoryNackDropped,
	CategoryDropped,
	CategoryFloodRequest,
	CategoryFloodResponse,
	CategoryShortcut,
}

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case CategoryFragment:
		return "fragment"
	case CategoryAck:
		return "ack"
	case CategoryNack:
		return "nack"
	case CategoryNackDropped:
		return "nack_dropped"
	case CategoryDropped:
		return "dropped"
	case CategoryFloodRequest:
		return "flood_request"
	case CategoryFloodResponse:
		return "flood_response"
	case CategoryShortcut:
		return "shortcut"
	default:
		return "unknown"
	}
}

// DisplayEvent is the rate-limited projection of an engine event the
// observer appends to its message log.
type DisplayEvent struct {
	Category Category `json:"category"`
	From     Endpoint `json:"from"`
	To       Endpoint `json:"to"`
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
