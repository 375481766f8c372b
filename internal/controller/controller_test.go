package controller

import (
	"context"
	"errors"
	"math"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Rusteze-AP/simulation-controller/internal/observability"
	"github.com/Rusteze-AP/simulation-controller/model"
)

func edgeKeys(edges []model.Edge) []model.EdgeKey {
	keys := make([]model.EdgeKey, 0, len(edges))
	for _, e := range edges {
		keys = append(keys, e.Key())
	}
	return keys
}

func TestCrashNodeRemovesEdgesAndNotifiesNeighbors(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "triangle.yaml")

	res := h.ctrl.CrashNode(context.Background(), 2)
	if !res.OK() {
		t.Fatalf("CrashNode(2) = %v, %v", res.Status, res.Err)
	}

	sent := eng.drainAll()
	want := map[model.NodeID][]model.Command{
		2: {model.Crash{}},
		1: {model.RemoveSender{Peer: 2}},
		3: {model.RemoveSender{Peer: 2}},
	}
	if !reflect.DeepEqual(sent, want) {
		t.Fatalf("commands = %v, want %v", sent, want)
	}

	wantEdges := []model.EdgeKey{{Low: 1, High: 3}, {Low: 1, High: 20}, {Low: 3, High: 30}}
	if got := edgeKeys(h.ctrl.Graph().Edges()); !reflect.DeepEqual(got, wantEdges) {
		t.Fatalf("edges = %v, want %v", got, wantEdges)
	}
	if _, ok := h.ctrl.Registry().Lookup(2); ok {
		t.Fatalf("crashed node still registered")
	}
	if v, _ := h.ctrl.Graph().Adjacency(1); len(v.NotAdjacent) != 0 {
		t.Fatalf("crashed node still offered as candidate: %+v", v)
	}

	h.obs.mu.Lock()
	delta := h.obs.deltas[len(h.obs.deltas)-1]
	h.obs.mu.Unlock()
	if delta.Op != model.DeltaRemoveNode || delta.Node == nil || !delta.Node.Crashed || delta.Node.ID != 2 {
		t.Fatalf("delta = %+v, want crashed remove_node for 2", delta)
	}
	wantRemoved := []model.EdgeKey{{Low: 1, High: 2}, {Low: 2, High: 3}}
	if got := edgeKeys(delta.Edges); !reflect.DeepEqual(got, wantRemoved) {
		t.Fatalf("delta edges = %v, want %v", got, wantRemoved)
	}
	if n := h.obs.lastNotice(); n.Intent != IntentCrash || n.Status != model.IntentSucceeded || n.IntentID != res.IntentID {
		t.Fatalf("notice = %+v", n)
	}
}

func TestCrashUnknownNodeIsRejected(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "triangle.yaml")

	res := h.ctrl.CrashNode(context.Background(), 99)
	if res.Status != model.IntentRejected || !errors.Is(res.Err, ErrLookupMiss) {
		t.Fatalf("CrashNode(99) = %v, %v", res.Status, res.Err)
	}
	if sent := eng.drainAll(); len(sent) != 0 {
		t.Fatalf("rejected crash sent commands: %v", sent)
	}
	if h.ctrl.Graph().EdgeCount() != 5 {
		t.Fatalf("graph changed after rejected crash")
	}
}

func TestAddEdgeSendsExactlyTwoAddSenders(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	res := h.ctrl.AddEdge(context.Background(), 1, 3)
	if !res.OK() {
		t.Fatalf("AddEdge(1,3) = %v, %v", res.Status, res.Err)
	}

	sent := eng.drainAll()
	if len(sent) != 2 || len(sent[1]) != 1 || len(sent[3]) != 1 {
		t.Fatalf("commands = %v, want one AddSender to 1 and one to 3", sent)
	}
	to1, ok := sent[1][0].(model.AddSender)
	if !ok || to1.Peer != 3 || to1.Channel.C != (chan<- model.Packet)(eng.pkts[3]) {
		t.Fatalf("command to 1 = %v, want AddSender(3) carrying 3's inbox", sent[1][0])
	}
	to3, ok := sent[3][0].(model.AddSender)
	if !ok || to3.Peer != 1 || to3.Channel.C != (chan<- model.Packet)(eng.pkts[1]) {
		t.Fatalf("command to 3 = %v, want AddSender(1) carrying 1's inbox", sent[3][0])
	}
	if !h.ctrl.Graph().HasEdge(3, 1) {
		t.Fatalf("edge 1-3 not recorded")
	}
	v, _ := h.ctrl.Graph().Adjacency(1)
	if !reflect.DeepEqual(v.Adjacent, []model.NodeID{2, 3, 20}) || len(v.NotAdjacent) != 0 {
		t.Fatalf("view of 1 = %+v", v)
	}
}

func TestAddEdgeAlreadyPresentReissuesSenders(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	res := h.ctrl.AddEdge(context.Background(), 1, 2)
	if !res.OK() {
		t.Fatalf("AddEdge(1,2) = %v, %v", res.Status, res.Err)
	}
	if sent := eng.drainAll(); len(sent[1]) != 1 || len(sent[2]) != 1 {
		t.Fatalf("commands = %v", sent)
	}
	if h.ctrl.Graph().EdgeCount() != 4 {
		t.Fatalf("duplicate edge recorded")
	}
	for _, call := range h.obs.callLog() {
		if call == "delta:add_edge" {
			t.Fatalf("duplicate edge published a delta")
		}
	}
}

func TestEdgeIntentKindChecks(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")
	ctx := context.Background()

	cases := []struct {
		name string
		run  func() Result
		want error
	}{
		{"drone-only with client", func() Result { return h.ctrl.AddEdge(ctx, 20, 2) }, ErrInvalidIntent},
		{"drone-only remove with server", func() Result { return h.ctrl.RemoveEdge(ctx, 3, 30) }, ErrInvalidIntent},
		{"across kinds with two drones", func() Result { return h.ctrl.AddEdgeAcrossKinds(ctx, 1, 2) }, ErrInvalidIntent},
		{"across kinds client to server", func() Result { return h.ctrl.AddEdgeAcrossKinds(ctx, 20, 30) }, ErrInvalidIntent},
		{"self loop", func() Result { return h.ctrl.AddEdge(ctx, 1, 1) }, ErrInvalidIntent},
		{"unknown node", func() Result { return h.ctrl.AddEdge(ctx, 1, 42) }, ErrLookupMiss},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := tc.run()
			if res.Status != model.IntentRejected || !errors.Is(res.Err, tc.want) {
				t.Fatalf("got %v, %v; want rejected %v", res.Status, res.Err, tc.want)
			}
		})
	}
	if sent := eng.drainAll(); len(sent) != 0 {
		t.Fatalf("rejected intents sent commands: %v", sent)
	}
}

func TestAddEdgeAcrossKindsEitherOrder(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	if res := h.ctrl.AddEdgeAcrossKinds(context.Background(), 2, 20); !res.OK() {
		t.Fatalf("AddEdgeAcrossKinds(2,20) = %v, %v", res.Status, res.Err)
	}
	if !h.ctrl.Graph().HasEdge(20, 2) {
		t.Fatalf("edge 2-20 missing")
	}
	sent := eng.drainAll()
	if len(sent[2]) != 1 || len(sent[20]) != 1 {
		t.Fatalf("commands = %v", sent)
	}
}

func TestRemoveEdgeSeversBothDirections(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	if res := h.ctrl.RemoveEdgeAcrossKinds(context.Background(), 1, 20); !res.OK() {
		t.Fatalf("RemoveEdgeAcrossKinds(1,20) = %v, %v", res.Status, res.Err)
	}
	want := map[model.NodeID][]model.Command{
		1:  {model.RemoveSender{Peer: 20}},
		20: {model.RemoveSender{Peer: 1}},
	}
	if sent := eng.drainAll(); !reflect.DeepEqual(sent, want) {
		t.Fatalf("commands = %v, want %v", sent, want)
	}

	client, _ := h.ctrl.Graph().Adjacency(20)
	if len(client.Adjacent) != 0 || !reflect.DeepEqual(client.NotAdjacent, []model.NodeID{1, 2, 3}) {
		t.Fatalf("view of 20 = %+v", client)
	}
	d1, _ := h.ctrl.Graph().Adjacency(1)
	if !reflect.DeepEqual(d1.NotAdjacent, []model.NodeID{3}) {
		t.Fatalf("view of 1 = %+v; clients never become candidates", d1)
	}
}

func TestRemoveMissingEdgeStillSendsRemoveSenders(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	if res := h.ctrl.RemoveEdge(context.Background(), 1, 3); !res.OK() {
		t.Fatalf("RemoveEdge(1,3) = %v, %v", res.Status, res.Err)
	}
	if sent := eng.drainAll(); len(sent[1]) != 1 || len(sent[3]) != 1 {
		t.Fatalf("commands = %v", sent)
	}
	if h.ctrl.Graph().EdgeCount() != 4 {
		t.Fatalf("graph changed")
	}
}

func TestSetDropRate(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")
	ctx := context.Background()

	if res := h.ctrl.SetDropRate(ctx, 2, 0.25); !res.OK() {
		t.Fatalf("SetDropRate(2) = %v, %v", res.Status, res.Err)
	}
	if sent := eng.drain(2); !reflect.DeepEqual(sent, []model.Command{model.SetDropRate{Rate: 0.25}}) {
		t.Fatalf("commands to 2 = %v", sent)
	}
	for _, n := range h.ctrl.Snapshot().Nodes {
		if n.ID == 2 && n.DropRate != 0.25 {
			t.Fatalf("snapshot rate = %v", n.DropRate)
		}
	}

	for _, tc := range []struct {
		id   model.NodeID
		rate float64
		want error
	}{
		{20, 0.1, ErrInvalidIntent},
		{2, 1.5, ErrInvalidIntent},
		{2, -0.1, ErrInvalidIntent},
		{2, math.NaN(), ErrInvalidIntent},
		{77, 0.1, ErrLookupMiss},
	} {
		res := h.ctrl.SetDropRate(ctx, tc.id, tc.rate)
		if res.Status != model.IntentRejected || !errors.Is(res.Err, tc.want) {
			t.Fatalf("SetDropRate(%d, %v) = %v, %v", tc.id, tc.rate, res.Status, res.Err)
		}
	}
}

func TestSendFailureMakesIntentPartial(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "triangle.yaml")
	// Fill 3's inbox so the RemoveSender for it times out.
	for i := 0; i < cap(eng.cmds[3]); i++ {
		eng.cmds[3] <- model.Crash{}
	}

	res := h.ctrl.CrashNode(context.Background(), 2)
	if res.Status != model.IntentPartial || res.Err == nil {
		t.Fatalf("CrashNode(2) = %v, %v; want partial", res.Status, res.Err)
	}
	if h.ctrl.Graph().HasNode(2) {
		t.Fatalf("failed send stopped the crash sequence")
	}
	if got := eng.drain(1); !reflect.DeepEqual(got, []model.Command{model.RemoveSender{Peer: 2}}) {
		t.Fatalf("commands to 1 = %v", got)
	}
}

func TestIntentsBeforeFirstLoadAreRejected(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.CrashNode(context.Background(), 1)
	if !errors.Is(res.Err, ErrNoTopology) {
		t.Fatalf("CrashNode before load = %v", res.Err)
	}
	if h.health.get() {
		t.Fatalf("health serving with no topology")
	}
}

func TestStartFailureReportsLoadError(t *testing.T) {
	h := newHarness(t)
	err := h.ctrl.Start(context.Background(), "missing.yaml")
	if !errors.Is(err, ErrLoadFailed) || !errors.Is(err, errBadConfig) {
		t.Fatalf("Start error = %v", err)
	}
	if h.ctrl.Running() {
		t.Fatalf("engine running after failed start")
	}
}

func TestSwapLoadFailureKeepsCurrentTopology(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "triangle.yaml")
	before := h.ctrl.Snapshot()
	calls := len(h.obs.callLog())

	res := h.ctrl.SwapTopology(context.Background(), "missing.yaml")
	if res.Status != model.IntentRejected || !errors.Is(res.Err, ErrLoadFailed) {
		t.Fatalf("SwapTopology = %v, %v", res.Status, res.Err)
	}
	if after := h.ctrl.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Fatalf("snapshot changed:\n got %+v\nwant %+v", after, before)
	}
	if sent := eng.drainAll(); len(sent) != 0 {
		t.Fatalf("failed swap sent commands: %v", sent)
	}
	if !h.ctrl.Running() || !h.health.get() {
		t.Fatalf("failed swap stopped the engine")
	}
	if got := h.obs.callLog()[calls:]; !reflect.DeepEqual(got, []string{"notice:" + IntentSwapTopology}) {
		t.Fatalf("observer calls = %v, want only the rejection notice", got)
	}

	// The old topology still accepts intents.
	if res := h.ctrl.AddEdgeAcrossKinds(context.Background(), 20, 2); !res.OK() {
		t.Fatalf("intent after failed swap = %v", res.Err)
	}
}

func TestSwapQuiescesOldTopologyBeforeInstallingNew(t *testing.T) {
	h := newHarness(t)
	old := h.start(t, "line.yaml")
	gen := h.ctrl.Generation()
	calls := len(h.obs.callLog())

	res := h.ctrl.SwapTopology(context.Background(), "triangle.yaml")
	if !res.OK() {
		t.Fatalf("SwapTopology = %v, %v", res.Status, res.Err)
	}

	select {
	case <-old.stopped:
	default:
		t.Fatalf("old engine still running")
	}
	want := map[model.NodeID][]model.Command{
		1:  {model.Crash{}},
		2:  {model.RemoveSender{Peer: 1}, model.Crash{}},
		3:  {model.RemoveSender{Peer: 2}, model.Crash{}},
		20: {model.RemoveSender{Peer: 1}, model.Crash{}},
		30: {model.RemoveSender{Peer: 3}, model.Crash{}},
	}
	if sent := old.drainAll(); !reflect.DeepEqual(sent, want) {
		t.Fatalf("quiesce commands = %v, want %v", sent, want)
	}

	if h.ctrl.Generation() == gen || h.ctrl.Source() != "triangle.yaml" {
		t.Fatalf("generation %q source %q not replaced", h.ctrl.Generation(), h.ctrl.Source())
	}
	if h.ctrl.Graph().EdgeCount() != 5 {
		t.Fatalf("new graph has %d edges", h.ctrl.Graph().EdgeCount())
	}
	wantCalls := []string{"reset", "topology", "notice:" + IntentSwapTopology}
	if got := h.obs.callLog()[calls:]; !reflect.DeepEqual(got, wantCalls) {
		t.Fatalf("observer calls = %v, want %v", got, wantCalls)
	}
	if !h.health.get() {
		t.Fatalf("health not serving after swap")
	}

	// Commands now reach the new engine only.
	if res := h.ctrl.CrashNode(context.Background(), 1); !res.OK() {
		t.Fatalf("CrashNode on new topology = %v", res.Err)
	}
	if got := h.loader.last().drain(1); !reflect.DeepEqual(got, []model.Command{model.Crash{}}) {
		t.Fatalf("new engine got %v", got)
	}
}

func TestSwapAbandonsStuckEngine(t *testing.T) {
	h := newHarness(t, WithStopPolicy(StopPolicy{Attempts: 3, Interval: time.Millisecond}))
	h.loader.stuck = true
	h.start(t, "line.yaml")
	t.Cleanup(func() {
		for _, e := range h.loader.engines {
			close(e.release)
		}
	})

	res := h.ctrl.SwapTopology(context.Background(), "triangle.yaml")
	if res.Status != model.IntentPartial || !errors.Is(res.Err, ErrEngineStuck) {
		t.Fatalf("SwapTopology = %v, %v; want partial with ErrEngineStuck", res.Status, res.Err)
	}
	if h.ctrl.Source() != "triangle.yaml" || !h.ctrl.Running() {
		t.Fatalf("new topology not installed after abandoning old engine")
	}
}

func TestShortcutEventsReachDestinationThroughController(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "line.yaml")

	pkt := model.Packet{
		Type:  model.PacketAck,
		Route: model.SourceRoute{Hops: []model.NodeID{30, 3, 2, 1, 20}, HopIndex: 2},
	}
	eng.events <- model.ControllerShortcut{Packet: pkt}

	select {
	case got := <-eng.pkts[20]:
		if got.Route.HopIndex != 4 {
			t.Fatalf("delivered hop index = %d, want 4", got.Route.HopIndex)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("shortcut not delivered")
	}
}

func TestMetricsRecordIntentsAndCommands(t *testing.T) {
	collector, err := observability.NewControlPlaneCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("collector: %v", err)
	}
	h := newHarness(t, WithMetrics(collector))
	h.start(t, "triangle.yaml")

	h.ctrl.CrashNode(context.Background(), 2)
	h.ctrl.CrashNode(context.Background(), 2)

	if got := testutil.ToFloat64(collector.Intents.WithLabelValues(IntentCrash, "succeeded")); got != 1 {
		t.Fatalf("succeeded crashes = %v", got)
	}
	if got := testutil.ToFloat64(collector.Intents.WithLabelValues(IntentCrash, "rejected")); got != 1 {
		t.Fatalf("rejected crashes = %v", got)
	}
	if got := testutil.ToFloat64(collector.CommandsSent.WithLabelValues("remove_sender", "ok")); got != 2 {
		t.Fatalf("remove_sender sends = %v", got)
	}
	if got := testutil.ToFloat64(collector.Reconfigurations.WithLabelValues("succeeded")); got != 1 {
		t.Fatalf("reconfigurations = %v", got)
	}
}

func TestShutdownQuiescesAndCloses(t *testing.T) {
	h := newHarness(t)
	eng := h.start(t, "triangle.yaml")

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for id, cmds := range eng.drainAll() {
		if last := cmds[len(cmds)-1]; last != (model.Command)(model.Crash{}) {
			t.Fatalf("node %d last command = %v, want Crash", id, last)
		}
	}
	if h.ctrl.Running() || h.health.get() {
		t.Fatalf("controller still running after shutdown")
	}
	if n := h.obs.lastNotice(); n.Intent != IntentShutdown || n.Status != model.IntentSucceeded {
		t.Fatalf("notice = %+v", n)
	}

	if res := h.ctrl.CrashNode(context.Background(), 1); !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("intent after shutdown = %v", res.Err)
	}
	if res := h.ctrl.SwapTopology(context.Background(), "line.yaml"); !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("swap after shutdown = %v", res.Err)
	}
	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdownProceedsWhileIntentHoldsLock(t *testing.T) {
	h := newHarness(t, WithStopPolicy(StopPolicy{Attempts: 3, Interval: time.Millisecond}))
	eng := h.start(t, "line.yaml")

	h.ctrl.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Shutdown(context.Background()) }()

	select {
	case <-eng.stopped:
	case <-time.After(time.Second):
		h.ctrl.mu.Unlock()
		t.Fatalf("engine not stopped while the lock was held")
	}
	if got := eng.drain(1); len(got) == 0 || got[0] != (model.Command)(model.Crash{}) {
		h.ctrl.mu.Unlock()
		t.Fatalf("node 1 commands = %v", got)
	}

	select {
	case err := <-done:
		h.ctrl.mu.Unlock()
		t.Fatalf("Shutdown returned before the lock holder finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	h.ctrl.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return after the lock was released")
	}
}

func TestShutdownConcurrentCallersShareResult(t *testing.T) {
	h := newHarness(t, WithStopPolicy(StopPolicy{Attempts: 3, Interval: time.Millisecond}))
	eng := h.start(t, "triangle.yaml")

	h.ctrl.mu.Lock()
	first := make(chan error, 1)
	go func() { first <- h.ctrl.Shutdown(context.Background()) }()
	<-eng.stopped

	second := make(chan error, 1)
	go func() { second <- h.ctrl.Shutdown(context.Background()) }()

	select {
	case err := <-second:
		h.ctrl.mu.Unlock()
		t.Fatalf("second Shutdown returned %v while the first was still running", err)
	case <-time.After(20 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	err := h.ctrl.Shutdown(ctx)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		h.ctrl.mu.Unlock()
		t.Fatalf("bounded Shutdown = %v, want deadline exceeded", err)
	}
	h.ctrl.mu.Unlock()

	for name, ch := range map[string]chan error{"first": first, "second": second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("%s Shutdown: %v", name, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s Shutdown did not return", name)
		}
	}
	if h.ctrl.Running() || h.health.get() {
		t.Fatalf("controller still running after shutdown")
	}
}

func TestShutdownDuringSwapKeepsControllerStopped(t *testing.T) {
	h := newHarness(t, WithStopPolicy(StopPolicy{Attempts: 3, Interval: time.Millisecond}))
	old := h.start(t, "triangle.yaml")
	entered := h.loader.gate("line.yaml")

	swapped := make(chan Result, 1)
	go func() { swapped <- h.ctrl.SwapTopology(context.Background(), "line.yaml") }()
	<-entered

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Shutdown(context.Background()) }()
	<-old.stopped
	h.loader.open("line.yaml")

	var res Result
	select {
	case res = <-swapped:
	case <-time.After(time.Second):
		t.Fatalf("swap did not return")
	}
	if res.Status == model.IntentSucceeded || !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("swap during shutdown = %v %v", res.Status, res.Err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return")
	}
	if h.ctrl.Running() || h.health.get() {
		t.Fatalf("swap reinstalled a topology after shutdown")
	}
	next := h.loader.last()
	if next == old {
		t.Fatalf("loader did not build the swapped engine")
	}
	select {
	case <-next.started:
		t.Fatalf("swapped engine started after shutdown")
	default:
	}
}

func TestShutdownStopsEngineInstalledWhileWaiting(t *testing.T) {
	h := newHarness(t, WithStopPolicy(StopPolicy{Attempts: 3, Interval: time.Millisecond}))
	old := h.start(t, "line.yaml")

	h.ctrl.mu.Lock()
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Shutdown(context.Background()) }()
	<-old.stopped

	// The lock holder finishes a swap it began before shutdown started.
	ctx := context.Background()
	if _, err := h.loader.Load(ctx, "triangle.yaml"); err != nil {
		h.ctrl.mu.Unlock()
		t.Fatalf("Load: %v", err)
	}
	late := h.loader.last()
	h.ctrl.teardownLocked(ctx, h.ctrl.log)
	if err := h.ctrl.installLocked(ctx, h.ctrl.log, late, "triangle.yaml"); err != nil {
		h.ctrl.mu.Unlock()
		t.Fatalf("installLocked: %v", err)
	}
	h.ctrl.startLocked(late)
	h.ctrl.setServing(true)
	h.ctrl.mu.Unlock()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Shutdown did not return")
	}
	select {
	case <-late.stopped:
	default:
		t.Fatalf("late engine left running")
	}
	for id, cmds := range late.drainAll() {
		if len(cmds) == 0 || cmds[len(cmds)-1] != (model.Command)(model.Crash{}) {
			t.Fatalf("node %d commands = %v, want trailing Crash", id, cmds)
		}
	}
	if h.ctrl.Running() || h.health.get() {
		t.Fatalf("controller still running after shutdown")
	}
}

func TestShutdownToleratesObserverFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t, "line.yaml")
	h.obs.mu.Lock()
	h.obs.err = errors.New("observer gone")
	h.obs.mu.Unlock()

	if err := h.ctrl.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdownOnSignal(t *testing.T) {
	h := newHarness(t)
	h.start(t, "line.yaml")

	sigs := make(chan os.Signal, 1)
	sigs <- os.Interrupt
	released := 0
	if err := h.ctrl.shutdownOnSignal(context.Background(), time.Second, sigs, func() { released++ }); err != nil {
		t.Fatalf("shutdownOnSignal: %v", err)
	}
	if !h.ctrl.closed.Load() {
		t.Fatalf("controller not closed after signal")
	}
	if released != 1 {
		t.Fatalf("signal delivery released %d times, want 1", released)
	}
}

func TestShutdownOnSignalReturnsWhenContextEnds(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.ctrl.shutdownOnSignal(ctx, time.Second, make(chan os.Signal), func() { t.Fatalf("released without a signal") }); err != nil {
		t.Fatalf("shutdownOnSignal: %v", err)
	}
	if h.ctrl.closed.Load() {
		t.Fatalf("controller closed without a signal")
	}
}
