package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

// ErrUnresolvedEndpoint indicates an event naming a node the registry does
// not know. Such events are dropped, never forwarded with placeholders.
var ErrUnresolvedEndpoint = errors.New("event endpoint not registered")

// Resolver turns a node id into an observer endpoint. kb.Registry
// satisfies it.
type Resolver interface {
	Resolve(id model.NodeID) (model.Endpoint, bool)
}

// Publisher receives forwarded display events. It must not block.
type Publisher interface {
	PublishDisplayEvent(ev model.DisplayEvent) error
}

// Deliverer hands a packet straight to a node inbox.
type Deliverer interface {
	Deliver(ctx context.Context, id model.NodeID, pkt model.Packet) error
}

// Metrics receives per-event observations.
type Metrics interface {
	ObserveEvent(category string, forwarded bool)
	ObserveUnresolved()
	ObserveShortcut(result string)
}

// Option customises a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// WithPolicy overrides the downsampling policy.
func WithPolicy(p Policy) Option {
	return func(lp *Loop) { lp.sampler = NewDownsampler(p) }
}

// Loop is the single consumer of one topology's event channel.
type Loop struct {
	resolver  Resolver
	publisher Publisher
	packets   Deliverer
	sampler   *Downsampler

	log     logging.Logger
	metrics Metrics
}

// New constructs a Loop. packets may be nil, in which case shortcut packets
// are displayed but not delivered.
func New(resolver Resolver, publisher Publisher, packets Deliverer, opts ...Option) *Loop {
	l := &Loop{
		resolver:  resolver,
		publisher: publisher,
		packets:   packets,
		sampler:   NewDownsampler(DefaultPolicy()),
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.log = l.log.With(logging.String("component", "ingest"))
	return l
}

// Run blocks on events until ctx is cancelled or the channel is closed. It
// holds no lock while waiting. Both exits are normal termination and
// return nil.
func (l *Loop) Run(ctx context.Context, events <-chan model.Event) error {
	l.log.Info(ctx, "event ingestion started")
	defer l.log.Info(ctx, "event ingestion stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.Handle(ctx, ev); err != nil {
				l.log.Error(ctx, "event dropped", logging.Err(err))
			}
		}
	}
}

// Handle processes a single event. It returns an error only for events that
// had to be dropped; a display event the observer refused is logged and
// not reported.
func (l *Loop) Handle(ctx context.Context, ev model.Event) error {
	c := Classify(ev)
	l.log.Debug(ctx, "event received", logging.String("category", c.Category.String()))

	if c.Category == model.CategoryShortcut {
		l.deliverShortcut(ctx, ev.EventPacket())
	}

	if !l.sampler.Allow(c.Category) {
		l.observe(c.Category, false)
		return nil
	}
	if !c.Endpoints {
		l.observe(c.Category, false)
		return nil
	}

	from, okFrom := l.resolver.Resolve(c.From)
	to, okTo := l.resolver.Resolve(c.To)
	if !okFrom || !okTo {
		l.observe(c.Category, false)
		if l.metrics != nil {
			l.metrics.ObserveUnresolved()
		}
		return fmt.Errorf("%s %d->%d: %w", c.Category, c.From, c.To, ErrUnresolvedEndpoint)
	}

	display := model.DisplayEvent{Category: c.Category, From: from, To: to}
	if err := l.publisher.PublishDisplayEvent(display); err != nil {
		l.observe(c.Category, false)
		l.log.Warn(ctx, "observer refused display event",
			logging.String("category", c.Category.String()),
			logging.Err(err),
		)
		return nil
	}
	l.observe(c.Category, true)
	return nil
}

func (l *Loop) deliverShortcut(ctx context.Context, pkt model.Packet) {
	if l.packets == nil {
		return
	}
	dst, ok := pkt.Route.Destination()
	if !ok {
		l.shortcutResult("no_route")
		l.log.Warn(ctx, "shortcut packet has empty route", logging.String("packet", pkt.Type.String()))
		return
	}

	hops := make([]model.NodeID, len(pkt.Route.Hops))
	copy(hops, pkt.Route.Hops)
	pkt.Route = model.SourceRoute{Hops: hops, HopIndex: len(hops) - 1}

	if err := l.packets.Deliver(ctx, dst, pkt); err != nil {
		l.shortcutResult("failed")
		l.log.Warn(ctx, "shortcut delivery failed",
			logging.Node("destination", uint8(dst)),
			logging.Err(err),
		)
		return
	}
	l.shortcutResult("delivered")
	l.log.Debug(ctx, "shortcut delivered", logging.Node("destination", uint8(dst)))
}

func (l *Loop) shortcutResult(result string) {
	if l.metrics != nil {
		l.metrics.ObserveShortcut(result)
	}
}

func (l *Loop) observe(c model.Category, forwarded bool) {
	if l.metrics != nil {
		l.metrics.ObserveEvent(c.String(), forwarded)
	}
}
