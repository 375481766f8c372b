package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Rusteze-AP/simulation-controller/model"
)

// fakeEngine gives every node a buffered command and packet inbox and never
// reads them, so tests can inspect exactly what the controller sent.
type fakeEngine struct {
	topo   model.Topology
	cmds   map[model.NodeID]chan model.Command
	pkts   map[model.NodeID]chan model.Packet
	done   map[model.NodeID]chan struct{}
	events chan model.Event

	// stuck makes Run ignore cancellation until release is closed.
	stuck   bool
	release chan struct{}
	started chan struct{}
	stopped chan struct{}
}

func newFakeEngine(topo model.Topology) *fakeEngine {
	e := &fakeEngine{
		topo:    topo,
		cmds:    make(map[model.NodeID]chan model.Command),
		pkts:    make(map[model.NodeID]chan model.Packet),
		done:    make(map[model.NodeID]chan struct{}),
		events:  make(chan model.Event, 16),
		release: make(chan struct{}),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, n := range topo.All() {
		e.cmds[n.ID] = make(chan model.Command, 32)
		e.pkts[n.ID] = make(chan model.Packet, 32)
		e.done[n.ID] = make(chan struct{})
	}
	return e
}

func (e *fakeEngine) Nodes() model.Topology { return e.topo }

func (e *fakeEngine) CommandChannels() map[model.NodeID]model.CommandChannel {
	out := make(map[model.NodeID]model.CommandChannel, len(e.cmds))
	for id, ch := range e.cmds {
		out[id] = model.CommandChannel{C: ch, Done: e.done[id]}
	}
	return out
}

func (e *fakeEngine) PacketChannels() map[model.NodeID]model.PacketChannel {
	out := make(map[model.NodeID]model.PacketChannel, len(e.pkts))
	for id, ch := range e.pkts {
		out[id] = model.PacketChannel{C: ch, Done: e.done[id]}
	}
	return out
}

func (e *fakeEngine) Events() <-chan model.Event { return e.events }

func (e *fakeEngine) Run(ctx context.Context) error {
	close(e.started)
	defer close(e.stopped)
	if e.stuck {
		<-e.release
	} else {
		<-ctx.Done()
	}
	for _, d := range e.done {
		close(d)
	}
	return ctx.Err()
}

// drain returns every command queued for id.
func (e *fakeEngine) drain(id model.NodeID) []model.Command {
	var out []model.Command
	for {
		select {
		case cmd := <-e.cmds[id]:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

func (e *fakeEngine) drainAll() map[model.NodeID][]model.Command {
	out := make(map[model.NodeID][]model.Command)
	for id := range e.cmds {
		if cmds := e.drain(id); len(cmds) > 0 {
			out[id] = cmds
		}
	}
	return out
}

var errBadConfig = errors.New("bad configuration")

// fakeLoader hands out fake engines for named topologies and remembers
// every engine it built.
type fakeLoader struct {
	mu      sync.Mutex
	topos   map[string]model.Topology
	stuck   bool
	engines []*fakeEngine

	// Load of a gated source reports on entered and blocks until its gate
	// is closed.
	gates   map[string]chan struct{}
	entered chan string
}

func (l *fakeLoader) gate(source string) <-chan string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gates == nil {
		l.gates = make(map[string]chan struct{})
	}
	l.gates[source] = make(chan struct{})
	l.entered = make(chan string, 1)
	return l.entered
}

func (l *fakeLoader) open(source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	close(l.gates[source])
}

func (l *fakeLoader) Load(_ context.Context, source string) (Engine, error) {
	l.mu.Lock()
	gate, entered := l.gates[source], l.entered
	l.mu.Unlock()
	if gate != nil {
		entered <- source
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	topo, ok := l.topos[source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, errBadConfig)
	}
	e := newFakeEngine(topo)
	e.stuck = l.stuck
	l.engines = append(l.engines, e)
	return e, nil
}

func (l *fakeLoader) last() *fakeEngine {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engines[len(l.engines)-1]
}

type recordingObserver struct {
	mu        sync.Mutex
	calls     []string
	snapshots []model.TopologySnapshot
	deltas    []model.GraphDelta
	displays  []model.DisplayEvent
	notices   []model.Notice
	err       error
}

func (o *recordingObserver) record(call string) error {
	o.calls = append(o.calls, call)
	return o.err
}

func (o *recordingObserver) PublishTopology(snap model.TopologySnapshot) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.snapshots = append(o.snapshots, snap)
	return o.record("topology")
}

func (o *recordingObserver) PublishGraphDelta(delta model.GraphDelta) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deltas = append(o.deltas, delta)
	return o.record("delta:" + delta.Op.String())
}

func (o *recordingObserver) PublishDisplayEvent(ev model.DisplayEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.displays = append(o.displays, ev)
	return o.record("display")
}

func (o *recordingObserver) PublishNotice(n model.Notice) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notices = append(o.notices, n)
	return o.record("notice:" + n.Intent)
}

func (o *recordingObserver) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record("reset")
}

func (o *recordingObserver) lastNotice() model.Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.notices) == 0 {
		return model.Notice{}
	}
	return o.notices[len(o.notices)-1]
}

func (o *recordingObserver) callLog() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.calls...)
}

type healthFlag struct {
	mu      sync.Mutex
	serving bool
	changes int
}

func (h *healthFlag) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serving = serving
	h.changes++
}

func (h *healthFlag) get() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving
}

func drone(id model.NodeID, neighbors ...model.NodeID) model.NodeSpec {
	return model.NodeSpec{ID: id, Kind: model.KindDrone, Neighbors: neighbors}
}

func client(id model.NodeID, neighbors ...model.NodeID) model.NodeSpec {
	return model.NodeSpec{ID: id, Kind: model.KindClient, Neighbors: neighbors}
}

func server(id model.NodeID, neighbors ...model.NodeID) model.NodeSpec {
	return model.NodeSpec{ID: id, Kind: model.KindServer, Neighbors: neighbors}
}

// triangle: drones 1, 2, 3 fully connected, client 20 on 1, server 30 on 3.
func triangle() model.Topology {
	return model.Topology{
		Drones:  []model.NodeSpec{drone(1, 2, 3), drone(2, 1, 3), drone(3, 1, 2)},
		Clients: []model.NodeSpec{client(20, 1)},
		Servers: []model.NodeSpec{server(30, 3)},
	}
}

// line: drones 1-2-3, client 20 on 1, server 30 on 3.
func line() model.Topology {
	return model.Topology{
		Drones:  []model.NodeSpec{drone(1, 2), drone(2, 3), drone(3)},
		Clients: []model.NodeSpec{client(20, 1)},
		Servers: []model.NodeSpec{server(30, 3)},
	}
}

type harness struct {
	ctrl   *Controller
	loader *fakeLoader
	obs    *recordingObserver
	health *healthFlag
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		loader: &fakeLoader{topos: map[string]model.Topology{
			"triangle.yaml": triangle(),
			"line.yaml":     line(),
		}},
		obs:    &recordingObserver{},
		health: &healthFlag{},
	}
	base := []Option{
		WithObserver(h.obs),
		WithHealthReporter(h.health),
		WithStopPolicy(StopPolicy{Attempts: 20, Interval: 5 * time.Millisecond}),
		WithSendTimeout(50 * time.Millisecond),
	}
	h.ctrl = New(h.loader, append(base, opts...)...)
	t.Cleanup(func() { _ = h.ctrl.Shutdown(context.Background()) })
	return h
}

// start loads source and discards the commands nothing asserts on.
func (h *harness) start(t *testing.T, source string) *fakeEngine {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), source); err != nil {
		t.Fatalf("Start(%s): %v", source, err)
	}
	eng := h.loader.last()
	eng.drainAll()
	return eng
}
