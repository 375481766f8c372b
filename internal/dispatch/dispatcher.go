// Package dispatch moves node commands and packets onto the per-node
// channels of the running engine. Failures are reported to the caller as
// structured errors and never escalate.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

var (
	// ErrNoChannelMap indicates no topology has installed its channels yet, or
	// the last one was cleared.
	ErrNoChannelMap = errors.New("no command channel map installed")
	// ErrNoChannelForID indicates the node has no channel in the current map.
	ErrNoChannelForID = errors.New("no channel for node")
	// ErrChannelClosed indicates the receiving node has stopped reading.
	ErrChannelClosed = errors.New("channel closed by receiver")
	// ErrSendTimeout indicates the receiver did not accept within the send
	// timeout.
	ErrSendTimeout = errors.New("send timed out")
)

// DefaultSendTimeout bounds how long a send may wait on a full inbox.
const DefaultSendTimeout = 250 * time.Millisecond

// SendError reports why a command could not be handed to a node.
type SendError struct {
	Node    model.NodeID
	Command model.Command
	Reason  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to node %d: %v", e.Command, e.Node, e.Reason)
}

func (e *SendError) Unwrap() error { return e.Reason }

// Metrics receives one observation per send.
type Metrics interface {
	ObserveCommand(command, result string)
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSendTimeout bounds each send. Non-positive values keep the default.
func WithSendTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// Dispatcher holds one command channel per node id of the current topology.
type Dispatcher struct {
	mu sync.RWMutex
	// channels is nil until Install and after Clear.
	channels map[model.NodeID]model.CommandChannel

	timeout time.Duration
	log     logging.Logger
	metrics Metrics
}

// New constructs a Dispatcher with no channel map installed.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timeout: DefaultSendTimeout,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.log = d.log.With(logging.String("component", "dispatch"))
	return d
}

// Install replaces the channel map. The dispatcher keeps its own copy.
func (d *Dispatcher) Install(channels map[model.NodeID]model.CommandChannel) {
	cp := make(map[model.NodeID]model.CommandChannel, len(channels))
	for id, ch := range channels {
		cp[id] = ch
	}
	d.mu.Lock()
	d.channels = cp
	d.mu.Unlock()
}

// Send hands cmd to node id. It waits at most the send timeout for a full
// inbox and never panics on a closed receiver. Every outcome is logged; a
// failure is returned as a *SendError.
func (d *Dispatcher) Send(ctx context.Context, id model.NodeID, cmd model.Command) error {
	d.mu.RLock()
	installed := d.channels != nil
	ch, ok := d.channels[id]
	d.mu.RUnlock()

	var reason error
	switch {
	case !installed:
		reason = ErrNoChannelMap
	case !ok || ch.C == nil:
		reason = ErrNoChannelForID
	default:
		reason = deliver(ctx, ch.C, ch.Done, cmd, d.timeout)
	}

	d.observe(cmd, reason)
	if reason == nil {
		d.log.Debug(ctx, "command sent",
			logging.Node("node_id", uint8(id)),
			logging.String("command", cmd.String()),
		)
		return nil
	}

	d.log.Warn(ctx, "command send failed",
		logging.Node("node_id", uint8(id)),
		logging.String("command", cmd.String()),
		logging.Err(reason),
	)
	return &SendError{Node: id, Command: cmd, Reason: reason}
}

// Remove drops the channel of id. It reports whether one was present.
func (d *Dispatcher) Remove(id model.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[id]; !ok {
		return false
	}
	delete(d.channels, id)
	return true
}

// Clear uninstalls the channel map. Subsequent sends fail with
// ErrNoChannelMap until the next Install.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.channels = nil
	d.mu.Unlock()
}

// Has reports whether id currently has a channel.
func (d *Dispatcher) Has(id model.NodeID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.channels[id]
	return ok
}

// IDs returns the ids with a channel in ascending order.
func (d *Dispatcher) IDs() []model.NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]model.NodeID, 0, len(d.channels))
	for id := range d.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Dispatcher) observe(cmd model.Command, reason error) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveCommand(model.CommandName(cmd), ResultLabel(reason))
}

// ResultLabel maps a send outcome to a metric label.
func ResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoChannelMap):
		return "no_channel_map"
	case errors.Is(err, ErrNoChannelForID):
		return "no_channel_for_id"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, ErrSendTimeout):
		return "send_timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// deliver performs a short-blocking send. A receiver that already signalled
// Done is reported closed even if its inbox still has room.
func deliver[T any](ctx context.Context, ch chan<- T, done <-chan struct{}, v T, timeout time.Duration) error {
	select {
	case <-done:
		return ErrChannelClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- v:
		return nil
	case <-done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSendTimeout
	}
}
