// Package controller is the single ownership boundary of the control plane.
// It keeps the node registry, topology graph, command dispatcher and engine
// slot consistent while operators crash nodes, rewire edges, change drop
// rates or swap the whole topology.
package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Rusteze-AP/simulation-controller/core"
	"github.com/Rusteze-AP/simulation-controller/internal/dispatch"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/kb"
	"github.com/Rusteze-AP/simulation-controller/model"
)

var (
	// ErrLookupMiss indicates an intent naming a node that is not in the
	// current topology.
	ErrLookupMiss = errors.New("node not in current topology")
	// ErrInvalidIntent indicates an intent whose arguments cannot be applied,
	// such as a cross-kind edge requested through the drone-only variant.
	ErrInvalidIntent = errors.New("invalid intent")
	// ErrLoadFailed indicates a replacement configuration could not be
	// loaded. The running topology is left untouched.
	ErrLoadFailed = errors.New("configuration load failed")
	// ErrNoTopology indicates an intent issued before any topology was
	// loaded.
	ErrNoTopology = errors.New("no topology loaded")
	// ErrEngineStuck indicates the previous engine did not stop within the
	// bounded wait. The controller abandons it and carries on.
	ErrEngineStuck = errors.New("engine did not stop in time")
	// ErrClosed indicates the controller has been shut down.
	ErrClosed = errors.New("controller shut down")
)

// Engine is one loaded instance of the simulation engine.
type Engine interface {
	// Nodes returns the declared nodes, split by kind.
	Nodes() model.Topology
	// CommandChannels returns the command inbox of every node.
	CommandChannels() map[model.NodeID]model.CommandChannel
	// PacketChannels returns the packet inbox of every node. The controller
	// only hands them to peers and uses them for shortcut delivery.
	PacketChannels() map[model.NodeID]model.PacketChannel
	// Events is the single event stream of the engine.
	Events() <-chan model.Event
	// Run blocks until ctx is cancelled or the engine fails.
	Run(ctx context.Context) error
}

// Loader builds an Engine from a configuration source.
type Loader interface {
	Load(ctx context.Context, source string) (Engine, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, source string) (Engine, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, source string) (Engine, error) {
	return f(ctx, source)
}

// Observer receives every state change visible to operators. Calls must not
// block; an observer that cannot accept an update returns an error.
type Observer interface {
	PublishTopology(snap model.TopologySnapshot) error
	PublishGraphDelta(delta model.GraphDelta) error
	PublishDisplayEvent(ev model.DisplayEvent) error
	PublishNotice(n model.Notice) error
	// Reset clears the observer graph state and message log.
	Reset() error
}

// Metrics receives control-plane observations. The observability
// ControlPlaneCollector satisfies it.
type Metrics interface {
	ObserveCommand(command, result string)
	ObserveEvent(category string, forwarded bool)
	ObserveUnresolved()
	ObserveShortcut(result string)
	ObserveIntent(intent, status string)
	ObserveReconfiguration(result string, d time.Duration)
}

// TopologyGauges is driven after every structural change.
type TopologyGauges interface {
	SetTopologyCounts(drones, clients, servers, edges int)
}

// HealthReporter is told whether the control plane can serve intents.
type HealthReporter interface {
	SetServing(serving bool)
}

// StopPolicy bounds every wait for exclusive access: the wait for a
// stopped engine during reconfiguration and the lock acquisition of the
// shutdown handler.
type StopPolicy struct {
	Attempts uint
	Interval time.Duration
}

// DefaultStopPolicy waits up to roughly five seconds.
var DefaultStopPolicy = StopPolicy{Attempts: 50, Interval: 100 * time.Millisecond}

// Option customises Controller construction.
type Option func(*Controller)

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver sets the observer collaborator.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTopologyGauges sets the topology size gauges.
func WithTopologyGauges(g TopologyGauges) Option {
	return func(c *Controller) { c.gauges = g }
}

// WithHealthReporter sets the health reporter.
func WithHealthReporter(h HealthReporter) Option {
	return func(c *Controller) { c.health = h }
}

// WithStopPolicy overrides DefaultStopPolicy. Zero fields keep the default.
func WithStopPolicy(p StopPolicy) Option {
	return func(c *Controller) {
		if p.Attempts > 0 {
			c.stop.Attempts = p.Attempts
		}
		if p.Interval > 0 {
			c.stop.Interval = p.Interval
		}
	}
}

// WithSendTimeout bounds every command send and packet delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Controller) { c.sendTimeout = d }
}

type engineSlot struct {
	engine Engine
	cancel context.CancelFunc
	// done is closed once both the engine runner and the ingestion loop
	// have returned.
	done chan struct{}
}

// Controller serialises every mutating operation on the control plane.
//
// Lock order: mu -> Registry -> Dispatcher -> PacketTable -> slotMu. The
// component locks are never held across calls, so only mu and slotMu are
// ever held together, in that order.
type Controller struct {
	// mu serialises intents, reconfiguration and shutdown.
	mu sync.Mutex

	registry *kb.Registry
	graph    *core.Graph
	commands *dispatch.Dispatcher
	packets  *dispatch.PacketTable

	loader   Loader
	observer Observer
	metrics  Metrics
	gauges   TopologyGauges
	health   HealthReporter
	log      logging.Logger

	stop        StopPolicy
	sendTimeout time.Duration

	// Guarded by mu.
	rates      map[model.NodeID]float64
	source     string
	generation string

	slotMu sync.Mutex
	slot   *engineSlot

	closed atomic.Bool

	// Closed by the Shutdown call that set closed; shutdownErr is written
	// before.
	shutdownDone chan struct{}
	shutdownErr  error
}

// New constructs a Controller with no topology loaded.
func New(loader Loader, opts ...Option) *Controller {
	c := &Controller{
		registry: kb.NewRegistry(),
		graph:    core.NewGraph(),
		loader:   loader,
		observer: noopObserver{},
		log:      logging.Noop(),
		stop:     DefaultStopPolicy,
		rates:    make(map[model.NodeID]float64),

		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.log = c.log.With(logging.String("component", "controller"))

	var dispatchMetrics dispatch.Metrics
	if c.metrics != nil {
		dispatchMetrics = c.metrics
	}
	c.commands = dispatch.New(
		dispatch.WithLogger(c.log),
		dispatch.WithMetrics(dispatchMetrics),
		dispatch.WithSendTimeout(c.sendTimeout),
	)
	c.packets = dispatch.NewPacketTable(c.sendTimeout)
	return c
}

// Registry exposes the node registry for read-only queries.
func (c *Controller) Registry() *kb.Registry { return c.registry }

// Graph exposes the topology graph for read-only queries.
func (c *Controller) Graph() *core.Graph { return c.graph }

// Generation returns the id of the current topology, or "" before the first
// load.
func (c *Controller) Generation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Source returns the configuration source of the current topology.
func (c *Controller) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// Running reports whether an engine is currently installed.
func (c *Controller) Running() bool {
	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	return c.slot != nil
}

// Snapshot returns the live topology: registered nodes, edges and adjacency.
func (c *Controller) Snapshot() model.TopologySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// snapshotLocked builds the observer snapshot. Caller must hold c.mu.
func (c *Controller) snapshotLocked() model.TopologySnapshot {
	ids := c.registry.IDs(model.KindUnknown)
	nodes := make([]model.NodeState, 0, len(ids))
	for _, id := range ids {
		ep, ok := c.registry.Resolve(id)
		if !ok {
			continue
		}
		nodes = append(nodes, model.NodeState{Endpoint: ep, DropRate: c.rates[id]})
	}
	return model.TopologySnapshot{
		Generation: c.generation,
		Source:     c.source,
		Nodes:      nodes,
		Edges:      c.graph.Edges(),
		Adjacency:  c.graph.Views(),
	}
}

func (c *Controller) updateGauges() {
	if c.gauges == nil {
		return
	}
	counts := c.registry.CountByKind()
	c.gauges.SetTopologyCounts(
		counts[model.KindDrone],
		counts[model.KindClient],
		counts[model.KindServer],
		c.graph.EdgeCount(),
	)
}

func (c *Controller) setServing(serving bool) {
	if c.health != nil {
		c.health.SetServing(serving)
	}
}

type noopObserver struct{}

func (noopObserver) PublishTopology(model.TopologySnapshot) error { return nil }
func (noopObserver) PublishGraphDelta(model.GraphDelta) error     { return nil }
func (noopObserver) PublishDisplayEvent(model.DisplayEvent) error { return nil }
func (noopObserver) PublishNotice(model.Notice) error             { return nil }
func (noopObserver) Reset() error                                 { return nil }
