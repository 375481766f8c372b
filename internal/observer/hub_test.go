package observer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/Rusteze-AP/simulation-controller/model"
)

func ep(id model.NodeID, kind model.NodeKind, pos int) model.Endpoint {
	return model.Endpoint{ID: id, Kind: kind, Position: pos}
}

func sampleSnapshot() model.TopologySnapshot {
	d1, d2, c := ep(1, model.KindDrone, 0), ep(2, model.KindDrone, 1), ep(20, model.KindClient, 0)
	return model.TopologySnapshot{
		Generation: "g1",
		Source:     "net.yaml",
		Nodes: []model.NodeState{
			{Endpoint: d1, DropRate: 0.1},
			{Endpoint: d2},
			{Endpoint: c},
		},
		Edges: []model.Edge{{Low: d1, High: d2}, {Low: d1, High: c}},
		Adjacency: []model.AdjacencyView{
			{ID: 1, Kind: model.KindDrone, Adjacent: []model.NodeID{2, 20}},
			{ID: 2, Kind: model.KindDrone, Adjacent: []model.NodeID{1}},
			{ID: 20, Kind: model.KindClient, Adjacent: []model.NodeID{1}, NotAdjacent: []model.NodeID{2}},
		},
	}
}

func startHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func mustView(t *testing.T, h *Hub) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := h.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return v
}

func TestTopologyFillsPerKindSlots(t *testing.T) {
	h := startHub(t)
	if err := h.PublishTopology(sampleSnapshot()); err != nil {
		t.Fatalf("PublishTopology: %v", err)
	}

	v := mustView(t, h)
	if v.Generation != "g1" || len(v.Drones) != 2 || len(v.Clients) != 1 || len(v.Servers) != 0 {
		t.Fatalf("view = %+v", v)
	}
	if v.Drones[0].ID != 1 || v.Drones[0].DropRate != 0.1 || v.Drones[1].ID != 2 {
		t.Fatalf("drone slots = %+v", v.Drones)
	}
	if len(v.Edges) != 2 || len(v.Adjacency) != 3 {
		t.Fatalf("edges %d adjacency %d", len(v.Edges), len(v.Adjacency))
	}
}

func TestRemoveNodeKeepsCrashedSlot(t *testing.T) {
	h := startHub(t)
	snap := sampleSnapshot()
	_ = h.PublishTopology(snap)

	err := h.PublishGraphDelta(model.GraphDelta{
		Op:    model.DeltaRemoveNode,
		Node:  &model.NodeState{Endpoint: ep(1, model.KindDrone, 0)},
		Edges: snap.Edges,
		Adjacency: []model.AdjacencyView{
			{ID: 2, Kind: model.KindDrone},
			{ID: 20, Kind: model.KindClient, NotAdjacent: []model.NodeID{2}},
		},
	})
	if err != nil {
		t.Fatalf("PublishGraphDelta: %v", err)
	}

	v := mustView(t, h)
	if !v.Drones[0].Crashed || v.Drones[1].Crashed {
		t.Fatalf("drone slots = %+v", v.Drones)
	}
	if len(v.Edges) != 0 {
		t.Fatalf("edges = %+v", v.Edges)
	}
	for _, a := range v.Adjacency {
		if a.ID == 1 {
			t.Fatalf("crashed node still has an adjacency view")
		}
	}
}

func TestEdgeDeltasAndNodeUpdates(t *testing.T) {
	h := startHub(t)
	_ = h.PublishTopology(sampleSnapshot())

	d2, c := ep(2, model.KindDrone, 1), ep(20, model.KindClient, 0)
	_ = h.PublishGraphDelta(model.GraphDelta{Op: model.DeltaAddEdge, Edges: []model.Edge{{Low: d2, High: c}}})
	_ = h.PublishGraphDelta(model.GraphDelta{Op: model.DeltaRemoveEdge, Edges: []model.Edge{{Low: ep(1, model.KindDrone, 0), High: d2}}})
	_ = h.PublishGraphDelta(model.GraphDelta{Op: model.DeltaUpdateNode, Node: &model.NodeState{Endpoint: d2, DropRate: 0.5}})

	v := mustView(t, h)
	got := make([]model.EdgeKey, 0, len(v.Edges))
	for _, e := range v.Edges {
		got = append(got, e.Key())
	}
	want := []model.EdgeKey{{Low: 1, High: 20}, {Low: 2, High: 20}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("edges = %v, want %v", got, want)
	}
	if v.Drones[1].DropRate != 0.5 {
		t.Fatalf("drop rate = %v", v.Drones[1].DropRate)
	}
}

func TestMessageLogIsBoundedAndClearedOnReset(t *testing.T) {
	h := startHub(t, WithMessageLog(3))
	_ = h.PublishTopology(sampleSnapshot())
	for i := 0; i < 5; i++ {
		ev := model.DisplayEvent{Category: model.CategoryFragment, From: ep(model.NodeID(i), model.KindDrone, 0)}
		if err := h.PublishDisplayEvent(ev); err != nil {
			t.Fatalf("PublishDisplayEvent: %v", err)
		}
	}

	v := mustView(t, h)
	if len(v.Messages) != 3 || v.Messages[0].From.ID != 2 || v.Messages[2].From.ID != 4 {
		t.Fatalf("messages = %+v", v.Messages)
	}

	_ = h.PublishNotice(model.Notice{Intent: "crash", Status: model.IntentSucceeded})
	_ = h.Reset()
	v = mustView(t, h)
	if len(v.Messages) != 0 || len(v.Drones) != 0 || len(v.Edges) != 0 || v.Generation != "" {
		t.Fatalf("view after reset = %+v", v)
	}
	if len(v.Notices) != 1 {
		t.Fatalf("notices should survive reset, got %+v", v.Notices)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// Not running: the queue fills and further updates are refused.
	h := NewHub(WithQueueSize(2))
	_ = h.PublishNotice(model.Notice{})
	_ = h.PublishNotice(model.Notice{})

	done := make(chan error, 1)
	go func() { done <- h.PublishDisplayEvent(model.DisplayEvent{}) }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueFull) {
			t.Fatalf("err = %v, want ErrQueueFull", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a full queue")
	}
}

func TestSubscribersSeeUpdatesInOrder(t *testing.T) {
	h := startHub(t)
	sub, err := h.Subscribe(8)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	_ = h.Reset()
	_ = h.PublishTopology(sampleSnapshot())
	_ = h.PublishDisplayEvent(model.DisplayEvent{Category: model.CategoryAck})

	var got []UpdateType
	for len(got) < 3 {
		select {
		case u := <-sub.C:
			got = append(got, u.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %v", got)
		}
	}
	want := []UpdateType{UpdateReset, UpdateTopology, UpdateDisplay}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("updates = %v, want %v", got, want)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := startHub(t)
	sub, _ := h.Subscribe(1)
	defer sub.Close()

	for i := 0; i < 4; i++ {
		_ = h.PublishDisplayEvent(model.DisplayEvent{})
	}
	mustView(t, h)
	if sub.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", sub.Dropped())
	}
}

func TestCloseRefusesWork(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.Run(ctx) }()

	sub, _ := h.Subscribe(1)
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := h.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.PublishNotice(model.Notice{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close = %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatalf("subscription still open after close")
	}
	if _, err := h.Subscribe(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close = %v", err)
	}
}
