package model

import "fmt"

// Command is an instruction delivered to a running node over its command
// channel. The set of commands is closed.
type Command interface {
	fmt.Stringer
	command()
}

// Crash asks the node to stop processing and release its resources.
type Crash struct{}

// AddSender wires an outgoing packet channel from the receiving node to Peer.
type AddSender struct {
	Peer    NodeID
	Channel PacketChannel
}

// RemoveSender drops the receiving node's outgoing channel to Peer.
type RemoveSender struct {
	Peer NodeID
}

// SetDropRate updates the synthetic drop probability of a drone.
type SetDropRate struct {
	Rate float64
}

func (Crash) command()        {}
func (AddSender) command()    {}
func (RemoveSender) command() {}
func (SetDropRate) command()  {}

func (Crash) String() string          { return "Crash" }
func (c AddSender) String() string    { return fmt.Sprintf("AddSender(%d)", c.Peer) }
func (c RemoveSender) String() string { return fmt.Sprintf("RemoveSender(%d)", c.Peer) }
func (c SetDropRate) String() string  { return fmt.Sprintf("SetDropRate(%.3f)", c.Rate) }

// CommandName returns a stable, label-friendly name for metrics.
func CommandName(c Command) string {
	switch c.(type) {
	case Crash:
		return "crash"
	case AddSender:
		return "add_sender"
	case RemoveSender:
		return "remove_sender"
	case SetDropRate:
		return "set_drop_rate"
	default:
		return "unknown"
	}
}

// CommandChannel is the controller's handle on a node's command inbox.
// Done is closed by the node once it has stopped reading.
type CommandChannel struct {
	C    chan<- Command
	Done <-chan struct{}
}

// PacketChannel is a handle on a node's packet inbox. Done is closed by the
// node once it has stopped reading.
type PacketChannel struct {
	C    chan<- Packet
	Done <-chan struct{}
}

// Valid reports whether the handle points at a channel.
func (p PacketChannel) Valid() bool {
	return p.C != nil
}
