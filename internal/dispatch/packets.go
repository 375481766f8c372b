package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// PacketTable holds the packet inbox handle of every node. The controller
// reads it to hand a peer's inbox to AddSender and to deliver shortcut
// packets straight to their destination.
type PacketTable struct {
	mu       sync.RWMutex
	channels map[model.NodeID]model.PacketChannel
	timeout  time.Duration
}

// NewPacketTable constructs an empty table. Non-positive timeouts use
// DefaultSendTimeout.
func NewPacketTable(timeout time.Duration) *PacketTable {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &PacketTable{timeout: timeout}
}

// Install replaces the table contents with a copy of channels.
func (t *PacketTable) Install(channels map[model.NodeID]model.PacketChannel) {
	cp := make(map[model.NodeID]model.PacketChannel, len(channels))
	for id, ch := range channels {
		cp[id] = ch
	}
	t.mu.Lock()
	t.channels = cp
	t.mu.Unlock()
}

// Lookup returns the inbox handle of id.
func (t *PacketTable) Lookup(id model.NodeID) (model.PacketChannel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ch, ok := t.channels[id]
	return ch, ok && ch.Valid()
}

// Deliver hands pkt to the inbox of id with the same short-blocking policy
// as command sends.
func (t *PacketTable) Deliver(ctx context.Context, id model.NodeID, pkt model.Packet) error {
	ch, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("deliver %s to node %d: %w", pkt.Type, id, ErrNoChannelForID)
	}
	if err := deliver(ctx, ch.C, ch.Done, pkt, t.timeout); err != nil {
		return fmt.Errorf("deliver %s to node %d: %w", pkt.Type, id, err)
	}
	return nil
}

// Remove drops the handle of id.
func (t *PacketTable) Remove(id model.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.channels[id]; !ok {
		return false
	}
	delete(t.channels, id)
	return true
}

// Clear drops every handle.
func (t *PacketTable) Clear() {
	t.mu.Lock()
	t.channels = nil
	t.mu.Unlock()
}

// Len returns the number of handles.
func (t *PacketTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels)
}
