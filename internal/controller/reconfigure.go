package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Rusteze-AP/simulation-controller/internal/ingest"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

var errEngineRunning = errors.New("engine still running")

// SwapTopology replaces the running topology with the one loaded from
// source. It is also how the first topology is started.
//
// The new configuration is loaded first; if that fails the swap is aborted,
// the observer is told it was rejected, and the running topology keeps
// going untouched. Otherwise every old node is quiesced and the old engine
// stopped before any state of the new topology is installed or published.
func (c *Controller) SwapTopology(ctx context.Context, source string) Result {
	run := c.begin(ctx, IntentSwapTopology, attribute.String("swarm.source", source))
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return run.reject(ErrClosed)
	}

	start := time.Now()
	eng, err := c.loader.Load(run.ctx, source)
	if err != nil {
		run.log.Error(run.ctx, "configuration load failed; keeping current topology",
			logging.String("source", source),
			logging.Err(err),
		)
		c.observeReconfiguration("rejected", start)
		return run.reject(fmt.Errorf("%w: %s: %w", ErrLoadFailed, source, err))
	}
	run.log.Info(run.ctx, "configuration loaded", logging.String("source", source))

	// Shutdown may have started while the loader ran.
	if c.closed.Load() {
		c.observeReconfiguration("rejected", start)
		return run.reject(ErrClosed)
	}

	c.setServing(false)
	errs := c.teardownLocked(run.ctx, run.log)
	if c.closed.Load() {
		errs = append(errs, ErrClosed)
		res := run.complete(errs)
		c.observeReconfiguration(res.Status.String(), start)
		return res
	}

	if err := c.installLocked(run.ctx, run.log, eng, source); err != nil {
		errs = append(errs, err)
	}
	c.startLocked(eng)
	c.setServing(true)
	c.updateGauges()

	res := run.complete(errs)
	c.observeReconfiguration(res.Status.String(), start)
	return res
}

// Start loads the first topology. It is SwapTopology on an empty
// controller and reports the load failure as an error.
func (c *Controller) Start(ctx context.Context, source string) error {
	res := c.SwapTopology(ctx, source)
	if res.Status == model.IntentRejected {
		return res.Err
	}
	return nil
}

// teardownLocked quiesces the current nodes, stops the engine, and clears
// the registry, graph and observer. Caller must hold c.mu.
func (c *Controller) teardownLocked(ctx context.Context, log logging.Logger) []error {
	errs := c.quiesceLocked(ctx)
	if len(errs) > 0 {
		log.Warn(ctx, "quiesce finished with errors", logging.Int("failures", len(errs)))
	} else {
		log.Info(ctx, "nodes quiesced")
	}

	if err := c.stopEngine(ctx); err != nil {
		log.Warn(ctx, "previous engine abandoned", logging.Err(err))
		errs = append(errs, err)
	}

	c.registry.Clear()
	c.graph.Clear()
	c.commands.Clear()
	c.packets.Clear()
	c.rates = make(map[model.NodeID]float64)
	c.generation = ""
	c.source = ""
	if err := c.observer.Reset(); err != nil {
		log.Warn(ctx, "observer refused reset", logging.Err(err))
	}
	log.Info(ctx, "previous topology cleared")
	return errs
}

// quiesceLocked sends Crash to every registered node and RemoveSender to
// each of its neighbors that has not been quiesced yet, then drops the
// node's command and packet channels. Caller must hold c.mu.
func (c *Controller) quiesceLocked(ctx context.Context) []error {
	var errs []error
	stopped := make(map[model.NodeID]bool)

	for _, id := range c.registry.IDs(model.KindUnknown) {
		if err := c.commands.Send(ctx, id, model.Crash{}); err != nil {
			errs = append(errs, err)
		}
		for _, n := range c.graph.Neighbors(id) {
			if stopped[n] {
				continue
			}
			if err := c.commands.Send(ctx, n, model.RemoveSender{Peer: id}); err != nil {
				errs = append(errs, err)
			}
		}
		stopped[id] = true
		c.commands.Remove(id)
		c.packets.Remove(id)
	}
	return errs
}

// installLocked registers the nodes of eng, builds the graph, installs the
// channel maps and publishes the new topology. Caller must hold c.mu.
func (c *Controller) installLocked(ctx context.Context, log logging.Logger, eng Engine, source string) error {
	topo := eng.Nodes()
	c.registry.Register(topo)
	buildErr := c.graph.Build(topo, c.registry)
	if buildErr != nil {
		log.Warn(ctx, "topology graph built with errors", logging.Err(buildErr))
	}
	c.commands.Install(eng.CommandChannels())
	c.packets.Install(eng.PacketChannels())

	c.rates = make(map[model.NodeID]float64, len(topo.Drones))
	for _, d := range topo.Drones {
		c.rates[d.ID] = d.DropRate
	}
	c.generation = uuid.NewString()
	c.source = source

	snap := c.snapshotLocked()
	if err := c.observer.PublishTopology(snap); err != nil {
		log.Warn(ctx, "observer refused topology", logging.Err(err))
	}
	log.Info(ctx, "topology installed",
		logging.String("generation", c.generation),
		logging.Int("drones", len(topo.Drones)),
		logging.Int("clients", len(topo.Clients)),
		logging.Int("servers", len(topo.Servers)),
		logging.Int("edges", len(snap.Edges)),
	)
	return buildErr
}

// startLocked runs eng and its ingestion loop on a fresh context.
func (c *Controller) startLocked(eng Engine) {
	runCtx, cancel := context.WithCancel(context.Background())
	log := c.log.With(logging.String("generation", c.generation))

	var ingestMetrics ingest.Metrics
	if c.metrics != nil {
		ingestMetrics = c.metrics
	}
	loop := ingest.New(c.registry, c.observer, c.packets,
		ingest.WithLogger(log),
		ingest.WithMetrics(ingestMetrics),
	)

	engineDone := make(chan struct{})
	loopDone := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(engineDone)
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(runCtx, "engine stopped with error", logging.Err(err))
			return
		}
		log.Info(runCtx, "engine stopped")
	}()
	go func() {
		defer close(loopDone)
		_ = loop.Run(runCtx, eng.Events())
	}()
	go func() {
		<-engineDone
		<-loopDone
		close(done)
	}()

	c.slotMu.Lock()
	c.slot = &engineSlot{engine: eng, cancel: cancel, done: done}
	c.slotMu.Unlock()
}

// stopEngine cancels the current engine and waits a bounded time for it and
// its ingestion loop to return.
func (c *Controller) stopEngine(ctx context.Context) error {
	c.slotMu.Lock()
	slot := c.slot
	c.slot = nil
	c.slotMu.Unlock()
	if slot == nil {
		return nil
	}

	slot.cancel()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		select {
		case <-slot.done:
			return struct{}{}, nil
		default:
			return struct{}{}, errEngineRunning
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.stop.Interval)),
		backoff.WithMaxTries(c.stop.Attempts),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineStuck, err)
	}
	return nil
}

func (c *Controller) observeReconfiguration(result string, start time.Time) {
	if c.metrics != nil {
		c.metrics.ObserveReconfiguration(result, time.Since(start))
	}
}
