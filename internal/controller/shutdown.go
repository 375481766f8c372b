package controller

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Rusteze-AP/simulation-controller/internal/logging"
	"github.com/Rusteze-AP/simulation-controller/model"
)

var errBusy = errors.New("controller busy")

// DefaultShutdownTimeout bounds the whole shutdown sequence started by a
// signal.
const DefaultShutdownTimeout = 10 * time.Second

// Shutdown quiesces every known node, stops the engine and marks the
// controller closed. It tries a bounded number of times to take the
// controller lock and proceeds without it if an intent is stuck; the
// component maps are independently guarded. In that case it then waits for
// the lock, bounded by ctx, and stops anything the holder left running.
// Observer failures are logged and never block.
//
// Only the first call runs the sequence. Later calls wait for it to finish
// and return its error, or ctx.Err() if ctx ends first.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.closed.CompareAndSwap(false, true) {
		c.shutdownErr = c.shutdown(ctx)
		close(c.shutdownDone)
		return c.shutdownErr
	}
	select {
	case <-c.shutdownDone:
		return c.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) shutdown(ctx context.Context) error {
	ctx, log := logging.WithIntentLogger(ctx, c.log)
	log = log.With(logging.String("intent", IntentShutdown))

	c.setServing(false)

	locked := c.acquire(ctx)
	if !locked {
		log.Warn(ctx, "proceeding with shutdown without exclusive access")
	}

	log.Info(ctx, "shutting down")
	errs := c.quiesceLocked(ctx)
	if err := c.stopEngine(ctx); err != nil {
		errs = append(errs, err)
	}

	if !locked {
		errs = append(errs, c.settle(ctx, log)...)
	} else {
		c.mu.Unlock()
	}

	status := model.IntentSucceeded
	err := errors.Join(errs...)
	notice := model.Notice{
		IntentID: logging.IntentIDFromContext(ctx),
		Intent:   IntentShutdown,
		Status:   status,
		At:       time.Now().UTC(),
	}
	if err != nil {
		notice.Status = model.IntentPartial
		notice.Message = err.Error()
		log.Warn(ctx, "shutdown finished with errors", logging.Err(err))
	} else {
		log.Info(ctx, "shutdown complete")
	}
	if c.metrics != nil {
		c.metrics.ObserveIntent(IntentShutdown, notice.Status.String())
	}
	if perr := c.observer.PublishNotice(notice); perr != nil {
		log.Warn(ctx, "observer unavailable during shutdown", logging.Err(perr))
	}
	return err
}

// settle waits for the intent that held c.mu during shutdown and stops any
// node or engine it installed. Without a deadline on ctx the wait is bounded
// by DefaultShutdownTimeout.
func (c *Controller) settle(ctx context.Context, log logging.Logger) []error {
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		waitCtx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
	}
	defer cancel()

	_, err := backoff.Retry(waitCtx, func() (struct{}, error) {
		if c.mu.TryLock() {
			return struct{}{}, nil
		}
		return struct{}{}, errBusy
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.stop.Interval)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		log.Warn(ctx, "lock holder did not finish before shutdown deadline", logging.Err(err))
		return nil
	}
	defer c.mu.Unlock()

	c.setServing(false)
	if !c.Running() {
		return nil
	}
	log.Warn(ctx, "stopping topology installed during shutdown")
	errs := c.quiesceLocked(ctx)
	if err := c.stopEngine(ctx); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// acquire tries to take c.mu within the stop policy.
func (c *Controller) acquire(ctx context.Context) bool {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if c.mu.TryLock() {
			return struct{}{}, nil
		}
		return struct{}{}, errBusy
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.stop.Interval)),
		backoff.WithMaxTries(c.stop.Attempts),
	)
	return err == nil
}

// HandleSignals blocks until one of signals arrives (SIGINT and SIGTERM when
// none are given) and then runs Shutdown bounded by timeout. Signal delivery
// is released as soon as the first one arrives, so a second one gets the
// default behaviour. It returns nil without shutting down if ctx ends first.
func (c *Controller) HandleSignals(ctx context.Context, timeout time.Duration, signals ...os.Signal) error {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	release := func() { signal.Stop(ch) }
	defer release()
	return c.shutdownOnSignal(ctx, timeout, ch, release)
}

func (c *Controller) shutdownOnSignal(ctx context.Context, timeout time.Duration, ch <-chan os.Signal, release func()) error {
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	select {
	case <-ctx.Done():
		return nil
	case sig := <-ch:
		release()
		c.log.Info(ctx, "termination signal received", logging.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return c.Shutdown(shutdownCtx)
}
