// Package observer is the operator-facing view of the control plane. A Hub
// owns the observer-side model on a single goroutine; every update is a
// closure queued onto that goroutine without blocking the caller, and every
// applied update is fanned out to subscribers.
package observer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

var (
	// ErrClosed indicates the hub no longer accepts work.
	ErrClosed = errors.New("observer closed")
	// ErrQueueFull indicates the hub goroutine is behind and the update was
	// refused.
	ErrQueueFull = errors.New("observer queue full")
)

const (
	DefaultQueueSize  = 1024
	DefaultMessageLog = 256
	DefaultNoticeLog  = 64
	// DefaultSubscriberBuffer is the per-subscriber backlog before updates
	// are dropped for that subscriber.
	DefaultSubscriberBuffer = 256
)

// UpdateType names what an Update carries.
type UpdateType string

const (
	UpdateTopology UpdateType = "topology"
	UpdateDelta    UpdateType = "delta"
	UpdateDisplay  UpdateType = "display"
	UpdateNotice   UpdateType = "notice"
	UpdateReset    UpdateType = "reset"
)

// Update is one change applied to the observer model, as seen by
// subscribers.
type Update struct {
	Type     UpdateType              `json:"type"`
	At       time.Time               `json:"at"`
	Topology *model.TopologySnapshot `json:"topology,omitempty"`
	Delta    *model.GraphDelta       `json:"delta,omitempty"`
	Display  *model.DisplayEvent     `json:"display,omitempty"`
	Notice   *model.Notice           `json:"notice,omitempty"`
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l logging.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// WithQueueSize bounds the number of pending closures.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithMessageLog bounds the display-event log.
func WithMessageLog(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.messageLog = n
		}
	}
}

// Hub implements controller.Observer.
type Hub struct {
	log        logging.Logger
	queueSize  int
	messageLog int

	queue     chan func(*state)
	closing   chan struct{}
	closed    atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once
	stopped   chan struct{}

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	// Owned by the hub goroutine.
	st *state
}

// NewHub constructs a hub. Nothing is applied until Run is called.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		log:        logging.Noop(),
		queueSize:  DefaultQueueSize,
		messageLog: DefaultMessageLog,
		closing:    make(chan struct{}),
		stopped:    make(chan struct{}),
		subs:       make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = h.log.With(logging.String("component", "observer"))
	h.queue = make(chan func(*state), h.queueSize)
	h.st = newState(h.messageLog, DefaultNoticeLog)
	return h
}

// Run applies queued closures until ctx is done or Close is called. It
// closes every subscription on return.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("observer already running")
	}
	defer close(h.stopped)
	defer h.closeSubscriptions()
	h.log.Info(ctx, "observer running")

	for {
		select {
		case <-ctx.Done():
			h.closed.Store(true)
			return nil
		case <-h.closing:
			h.drain()
			return nil
		case fn := <-h.queue:
			fn(h.st)
		}
	}
}

// drain applies whatever was queued before Close.
func (h *Hub) drain() {
	for {
		select {
		case fn := <-h.queue:
			fn(h.st)
		default:
			return
		}
	}
}

// Close stops accepting work and waits for Run to return if it is running.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.closing)
	})
	if !h.running.Load() {
		h.closeSubscriptions()
		return nil
	}
	select {
	case <-h.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do queues fn to run on the hub goroutine. It never blocks.
func (h *Hub) do(fn func(*state)) error {
	if h.closed.Load() {
		return ErrClosed
	}
	select {
	case h.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// View returns a copy of the observer model as of every update queued
// before the call.
func (h *Hub) View(ctx context.Context) (View, error) {
	out := make(chan View, 1)
	if err := h.do(func(s *state) { out <- s.view() }); err != nil {
		return View{}, err
	}
	select {
	case v := <-out:
		return v, nil
	case <-h.stopped:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// PublishTopology replaces the model with snap.
func (h *Hub) PublishTopology(snap model.TopologySnapshot) error {
	return h.do(func(s *state) {
		s.applyTopology(snap)
		h.broadcast(Update{Type: UpdateTopology, Topology: &snap})
	})
}

// PublishGraphDelta applies an incremental change.
func (h *Hub) PublishGraphDelta(delta model.GraphDelta) error {
	return h.do(func(s *state) {
		s.applyDelta(delta)
		h.broadcast(Update{Type: UpdateDelta, Delta: &delta})
	})
}

// PublishDisplayEvent appends ev to the message log.
func (h *Hub) PublishDisplayEvent(ev model.DisplayEvent) error {
	return h.do(func(s *state) {
		s.messages.push(ev)
		h.broadcast(Update{Type: UpdateDisplay, Display: &ev})
	})
}

// PublishNotice records the outcome of an operator intent.
func (h *Hub) PublishNotice(n model.Notice) error {
	return h.do(func(s *state) {
		s.notices.push(n)
		h.broadcast(Update{Type: UpdateNotice, Notice: &n})
	})
}

// Reset clears the graph and the message log.
func (h *Hub) Reset() error {
	return h.do(func(s *state) {
		s.reset()
		h.broadcast(Update{Type: UpdateReset})
	})
}

// Subscription receives every update applied after it was created.
type Subscription struct {
	C <-chan Update

	id      uint64
	ch      chan Update
	hub     *Hub
	once    sync.Once
	dropped atomic.Uint64
}

// Dropped returns how many updates were skipped because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.hub.subMu.Lock()
	defer s.hub.subMu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.hub.subs, s.id)
		close(s.ch)
	})
}

// Subscribe registers a subscriber with the given backlog.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.closed.Load() {
		return nil, ErrClosed
	}
	h.nextID++
	ch := make(chan Update, buffer)
	sub := &Subscription{C: ch, id: h.nextID, ch: ch, hub: h}
	h.subs[sub.id] = sub
	return sub, nil
}

// broadcast runs on the hub goroutine. A full subscriber misses the update.
func (h *Hub) broadcast(u Update) {
	u.At = time.Now().UTC()
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- u:
		default:
			if sub.dropped.Add(1) == 1 {
				h.log.Warn(context.Background(), "observer subscriber falling behind",
					logging.Int("subscriber", int(sub.id)),
				)
			}
		}
	}
}

func (h *Hub) closeSubscriptions() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, sub := range h.subs {
		sub.closeLocked()
	}
}
