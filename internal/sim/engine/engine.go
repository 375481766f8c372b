// Package engine is an in-process reference simulation engine. Every node
// runs on its own goroutine, honours the four node commands, relays
// source-routed packets with its drop probability, floods discovery
// requests and reports activity on a single event channel.
//
// The routing rules are deliberately simple; the engine exists so the
// control plane can be run and tested end to end.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
	"github.com/Rusteze-AP/simulation-controller/timectrl"
)

const (
	DefaultCommandBuffer = 64
	DefaultPacketBuffer  = 256
	DefaultEventBuffer   = 4096
	// DefaultTrafficInterval is how often every client sends one packet.
	DefaultTrafficInterval = time.Second
	// refloodEvery makes clients rediscover routes every n ticks.
	refloodEvery = 10
)

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTrafficInterval sets the client traffic period. Zero or negative
// disables client traffic.
func WithTrafficInterval(d time.Duration) Option {
	return func(e *Engine) { e.traffic = d }
}

// WithSeed makes drop decisions reproducible.
func WithSeed(seed uint64) Option {
	return func(e *Engine) { e.seed = seed }
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

// Engine implements controller.Engine.
type Engine struct {
	topo        model.Topology
	nodes       map[model.NodeID]*node
	events      chan model.Event
	log         logging.Logger
	traffic     time.Duration
	seed        uint64
	eventBuffer int

	runOnce sync.Once
}

// New builds the nodes of topo and wires a packet sender for every
// declared edge. Nothing runs until Run is called.
func New(topo model.Topology, opts ...Option) *Engine {
	e := &Engine{
		topo:        topo,
		nodes:       make(map[model.NodeID]*node, topo.Len()),
		log:         logging.Noop(),
		traffic:     DefaultTrafficInterval,
		seed:        uint64(time.Now().UnixNano()),
		eventBuffer: DefaultEventBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.log = e.log.With(logging.String("component", "engine"))
	e.events = make(chan model.Event, e.eventBuffer)

	for _, spec := range topo.All() {
		e.nodes[spec.ID] = &node{
			id:       spec.ID,
			kind:     spec.Kind,
			dropRate: spec.DropRate,
			cmds:     make(chan model.Command, DefaultCommandBuffer),
			pkts:     make(chan model.Packet, DefaultPacketBuffer),
			done:     make(chan struct{}),
			senders:  make(map[model.NodeID]model.PacketChannel),
			routes:   make(map[model.NodeID][]model.NodeID),
			seen:     make(map[floodKey]struct{}),
			rng:      rand.New(rand.NewPCG(e.seed, uint64(spec.ID))),
			events:   e.events,
			log:      e.log.With(logging.Node("node", uint8(spec.ID)), logging.String("kind", spec.Kind.String())),
		}
		if spec.Kind == model.KindClient {
			e.nodes[spec.ID].ticks = make(chan struct{}, 1)
		}
	}
	for _, spec := range topo.All() {
		for _, peer := range spec.Neighbors {
			a, okA := e.nodes[spec.ID]
			b, okB := e.nodes[peer]
			if !okA || !okB || a == b {
				continue
			}
			a.senders[b.id] = b.inbox()
			b.senders[a.id] = a.inbox()
		}
	}
	return e
}

// Nodes returns the declared topology.
func (e *Engine) Nodes() model.Topology { return e.topo }

// CommandChannels returns every node's command inbox.
func (e *Engine) CommandChannels() map[model.NodeID]model.CommandChannel {
	out := make(map[model.NodeID]model.CommandChannel, len(e.nodes))
	for id, n := range e.nodes {
		out[id] = model.CommandChannel{C: n.cmds, Done: n.done}
	}
	return out
}

// PacketChannels returns every node's packet inbox.
func (e *Engine) PacketChannels() map[model.NodeID]model.PacketChannel {
	out := make(map[model.NodeID]model.PacketChannel, len(e.nodes))
	for id, n := range e.nodes {
		out[id] = n.inbox()
	}
	return out
}

// Events is closed once every node has stopped.
func (e *Engine) Events() <-chan model.Event { return e.events }

// Run starts every node and the client traffic clock and blocks until ctx
// is done and every node has stopped. An engine runs at most once.
func (e *Engine) Run(ctx context.Context) error {
	started := false
	e.runOnce.Do(func() { started = true })
	if !started {
		<-ctx.Done()
		return nil
	}

	e.log.Info(ctx, "engine starting", logging.Int("nodes", len(e.nodes)))
	var wg sync.WaitGroup
	for _, n := range e.nodes {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			n.run(ctx)
		}(n)
	}

	if e.traffic > 0 {
		clock := timectrl.NewTimeController(time.Now(), e.traffic, timectrl.RealTime)
		clock.AddListener(e.tick)
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Run(ctx, 0)
		}()
	}

	wg.Wait()
	close(e.events)
	e.log.Info(ctx, "engine stopped")
	return nil
}

// tick nudges every client without blocking the clock.
func (e *Engine) tick(time.Time) {
	for _, n := range e.nodes {
		if n.ticks == nil {
			continue
		}
		select {
		case n.ticks <- struct{}{}:
		default:
		}
	}
}
