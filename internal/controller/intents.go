package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Rusteze-AP/simulation-controller/internal/dispatch"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/internal/observability"
	"github.com/Rusteze-AP/simulation-controller/model"
)

// Intent names, used in logs, metrics and observer notices.
const (
	IntentCrash                 = "crash"
	IntentAddEdge               = "add_edge"
	IntentAddEdgeAcrossKinds    = "add_edge_across_kinds"
	IntentRemoveEdge            = "remove_edge"
	IntentRemoveEdgeAcrossKinds = "remove_edge_across_kinds"
	IntentSetDropRate           = "set_drop_rate"
	IntentSwapTopology          = "swap_topology"
	IntentShutdown              = "shutdown"
)

// Result is the definitive outcome of one operator intent. Err joins every
// step that failed; it is nil only when Status is IntentSucceeded.
type Result struct {
	IntentID string
	Intent   string
	Status   model.IntentStatus
	Err      error
}

// OK reports whether every step succeeded.
func (r Result) OK() bool { return r.Status == model.IntentSucceeded }

type intentRun struct {
	c      *Controller
	ctx    context.Context
	span   trace.Span
	log    logging.Logger
	intent string
	id     string
	start  time.Time
}

// begin opens the span and intent-scoped logger of an intent.
func (c *Controller) begin(ctx context.Context, intent string, attrs ...attribute.KeyValue) *intentRun {
	ctx, log := logging.WithIntentLogger(ctx, c.log)
	id := logging.IntentIDFromContext(ctx)
	log = log.With(logging.String("intent", intent))

	ctx, span := observability.StartIntentSpan(ctx, intent, id, attrs...)
	ctx = logging.ContextWithLogger(ctx, log)

	log.Info(ctx, "intent received")
	return &intentRun{c: c, ctx: ctx, span: span, log: log, intent: intent, id: id, start: time.Now()}
}

// reject ends an intent that applied nothing.
func (r *intentRun) reject(err error) Result {
	return r.finish(model.IntentRejected, err)
}

// complete ends an intent that ran; any step failure makes it partial.
func (r *intentRun) complete(errs []error) Result {
	err := errors.Join(errs...)
	if err != nil {
		return r.finish(model.IntentPartial, err)
	}
	return r.finish(model.IntentSucceeded, nil)
}

func (r *intentRun) finish(status model.IntentStatus, err error) Result {
	defer observability.EndIntentSpan(r.span, status.String(), err)

	res := Result{IntentID: r.id, Intent: r.intent, Status: status, Err: err}
	fields := []logging.Field{
		logging.String("status", status.String()),
		logging.Duration("elapsed", time.Since(r.start)),
	}
	notice := model.Notice{IntentID: r.id, Intent: r.intent, Status: status, At: time.Now().UTC()}

	if err != nil {
		notice.Message = err.Error()
		r.log.Warn(r.ctx, "intent finished with errors", append(fields, logging.Err(err))...)
	} else {
		r.log.Info(r.ctx, "intent finished", fields...)
	}

	if r.c.metrics != nil {
		r.c.metrics.ObserveIntent(r.intent, status.String())
	}
	if perr := r.c.observer.PublishNotice(notice); perr != nil {
		r.log.Warn(r.ctx, "observer refused notice", logging.Err(perr))
	}
	return res
}

// guard rejects intents on a closed controller or before the first load.
// Caller must hold c.mu.
func (c *Controller) guardLocked() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.generation == "" {
		return ErrNoTopology
	}
	return nil
}

func (r *intentRun) publishDelta(delta model.GraphDelta) {
	if err := r.c.observer.PublishGraphDelta(delta); err != nil {
		r.log.Warn(r.ctx, "observer refused graph delta",
			logging.String("op", delta.Op.String()),
			logging.Err(err),
		)
	}
}

// CrashNode stops node id and removes it from the topology. The node is
// sent Crash, every neighbor is sent RemoveSender for it, and then its
// edges, channels and registry entry are dropped. Failed sends make the
// intent partial but never stop the sequence.
func (c *Controller) CrashNode(ctx context.Context, id model.NodeID) Result {
	run := c.begin(ctx, IntentCrash, attribute.Int("swarm.node_id", int(id)))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return run.reject(err)
	}
	ep, ok := c.registry.Resolve(id)
	if !ok {
		return run.reject(fmt.Errorf("crash node %d: %w", id, ErrLookupMiss))
	}

	var removed []model.Edge
	for _, e := range c.graph.Edges() {
		if e.Touches(id) {
			removed = append(removed, e)
		}
	}

	var errs []error
	if err := c.commands.Send(run.ctx, id, model.Crash{}); err != nil {
		errs = append(errs, err)
	}
	neighbors, err := c.graph.RemoveNode(id)
	if err != nil {
		errs = append(errs, err)
	}
	for _, n := range neighbors {
		if err := c.commands.Send(run.ctx, n, model.RemoveSender{Peer: id}); err != nil {
			errs = append(errs, err)
		}
	}
	c.commands.Remove(id)
	c.packets.Remove(id)
	c.registry.Remove(id)
	rate := c.rates[id]
	delete(c.rates, id)

	views := make([]model.AdjacencyView, 0, len(neighbors))
	for _, n := range neighbors {
		if v, ok := c.graph.Adjacency(n); ok {
			views = append(views, v)
		}
	}
	run.publishDelta(model.GraphDelta{
		Op:        model.DeltaRemoveNode,
		Node:      &model.NodeState{Endpoint: ep, DropRate: rate, Crashed: true},
		Edges:     removed,
		Adjacency: views,
	})
	c.updateGauges()
	return run.complete(errs)
}

// AddEdge connects two drones.
func (c *Controller) AddEdge(ctx context.Context, a, b model.NodeID) Result {
	return c.addEdge(ctx, IntentAddEdge, a, b, false)
}

// AddEdgeAcrossKinds connects a client or server to a drone, in either
// argument order.
func (c *Controller) AddEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) Result {
	return c.addEdge(ctx, IntentAddEdgeAcrossKinds, a, b, true)
}

// RemoveEdge disconnects two drones.
func (c *Controller) RemoveEdge(ctx context.Context, a, b model.NodeID) Result {
	return c.removeEdge(ctx, IntentRemoveEdge, a, b, false)
}

// RemoveEdgeAcrossKinds disconnects a client or server from a drone.
func (c *Controller) RemoveEdgeAcrossKinds(ctx context.Context, a, b model.NodeID) Result {
	return c.removeEdge(ctx, IntentRemoveEdgeAcrossKinds, a, b, true)
}

// addEdge wires both directions with AddSender, then records the edge. An
// already connected pair is left unchanged in the graph but both AddSender
// commands are still issued.
func (c *Controller) addEdge(ctx context.Context, intent string, a, b model.NodeID, acrossKinds bool) Result {
	run := c.begin(ctx, intent, attribute.Int("swarm.node_a", int(a)), attribute.Int("swarm.node_b", int(b)))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return run.reject(err)
	}
	if err := c.checkPairLocked(intent, a, b, acrossKinds); err != nil {
		return run.reject(err)
	}

	var errs []error
	errs = append(errs, c.sendAddSender(run.ctx, a, b)...)
	errs = append(errs, c.sendAddSender(run.ctx, b, a)...)

	edge, added, err := c.graph.AddEdge(a, b, c.registry)
	if err != nil {
		errs = append(errs, err)
		return run.complete(errs)
	}
	if added {
		run.publishDelta(model.GraphDelta{
			Op:        model.DeltaAddEdge,
			Edges:     []model.Edge{edge},
			Adjacency: c.viewsLocked(a, b),
		})
		c.updateGauges()
	} else {
		run.log.Info(run.ctx, "edge already present; senders re-issued")
	}
	return run.complete(errs)
}

// sendAddSender hands to's packet inbox to from.
func (c *Controller) sendAddSender(ctx context.Context, from, to model.NodeID) []error {
	inbox, ok := c.packets.Lookup(to)
	if !ok {
		return []error{&dispatch.SendError{
			Node:    from,
			Command: model.AddSender{Peer: to},
			Reason:  fmt.Errorf("packet inbox of node %d: %w", to, dispatch.ErrNoChannelForID),
		}}
	}
	if err := c.commands.Send(ctx, from, model.AddSender{Peer: to, Channel: inbox}); err != nil {
		return []error{err}
	}
	return nil
}

// removeEdge drops the edge, then severs both directions with RemoveSender.
// The packet channels themselves stay: the nodes may still reach each other
// through other hops.
func (c *Controller) removeEdge(ctx context.Context, intent string, a, b model.NodeID, acrossKinds bool) Result {
	run := c.begin(ctx, intent, attribute.Int("swarm.node_a", int(a)), attribute.Int("swarm.node_b", int(b)))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return run.reject(err)
	}
	if err := c.checkPairLocked(intent, a, b, acrossKinds); err != nil {
		return run.reject(err)
	}

	var removed []model.Edge
	for _, e := range c.graph.Edges() {
		if e.Key() == model.KeyOf(a, b) {
			removed = append(removed, e)
		}
	}
	existed := c.graph.RemoveEdge(a, b)

	var errs []error
	if err := c.commands.Send(run.ctx, a, model.RemoveSender{Peer: b}); err != nil {
		errs = append(errs, err)
	}
	if err := c.commands.Send(run.ctx, b, model.RemoveSender{Peer: a}); err != nil {
		errs = append(errs, err)
	}

	if existed {
		run.publishDelta(model.GraphDelta{
			Op:        model.DeltaRemoveEdge,
			Edges:     removed,
			Adjacency: c.viewsLocked(a, b),
		})
		c.updateGauges()
	} else {
		run.log.Info(run.ctx, "edge not present; senders still removed")
	}
	return run.complete(errs)
}

// SetDropRate changes the synthetic drop probability of a drone.
func (c *Controller) SetDropRate(ctx context.Context, id model.NodeID, rate float64) Result {
	run := c.begin(ctx, IntentSetDropRate, attribute.Int("swarm.node_id", int(id)), attribute.Float64("swarm.drop_rate", rate))
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.guardLocked(); err != nil {
		return run.reject(err)
	}
	if math.IsNaN(rate) || rate < 0 || rate > 1 {
		return run.reject(fmt.Errorf("drop rate %v outside [0,1]: %w", rate, ErrInvalidIntent))
	}
	ep, ok := c.registry.Resolve(id)
	if !ok {
		return run.reject(fmt.Errorf("set drop rate of node %d: %w", id, ErrLookupMiss))
	}
	if ep.Kind != model.KindDrone {
		return run.reject(fmt.Errorf("node %d is a %s; only drones drop packets: %w", id, ep.Kind, ErrInvalidIntent))
	}

	if err := c.commands.Send(run.ctx, id, model.SetDropRate{Rate: rate}); err != nil {
		return run.complete([]error{err})
	}
	c.rates[id] = rate
	run.publishDelta(model.GraphDelta{
		Op:   model.DeltaUpdateNode,
		Node: &model.NodeState{Endpoint: ep, DropRate: rate},
	})
	return run.complete(nil)
}

// checkPairLocked validates the endpoints of an edge intent. The drone-only
// variant requires two drones; the cross-kind variant requires exactly one
// drone and one client or server. Caller must hold c.mu.
func (c *Controller) checkPairLocked(intent string, a, b model.NodeID, acrossKinds bool) error {
	if a == b {
		return fmt.Errorf("%s %d-%d: endpoints must differ: %w", intent, a, b, ErrInvalidIntent)
	}
	ka := c.registry.KindOf(a)
	if ka == model.KindUnknown {
		return fmt.Errorf("%s: node %d: %w", intent, a, ErrLookupMiss)
	}
	kindB := c.registry.KindOf(b)
	if kindB == model.KindUnknown {
		return fmt.Errorf("%s: node %d: %w", intent, b, ErrLookupMiss)
	}

	if !acrossKinds {
		if ka != model.KindDrone || kindB != model.KindDrone {
			return fmt.Errorf("%s %d-%d joins a %s and a %s; use the cross-kind variant: %w", intent, a, b, ka, kindB, ErrInvalidIntent)
		}
		return nil
	}
	droneA, droneB := ka == model.KindDrone, kindB == model.KindDrone
	if droneA == droneB {
		return fmt.Errorf("%s %d-%d joins a %s and a %s; need one drone and one client or server: %w", intent, a, b, ka, kindB, ErrInvalidIntent)
	}
	return nil
}

func (c *Controller) viewsLocked(ids ...model.NodeID) []model.AdjacencyView {
	views := make([]model.AdjacencyView, 0, len(ids))
	for _, id := range ids {
		if v, ok := c.graph.Adjacency(id); ok {
			views = append(views, v)
		}
	}
	return views
}
