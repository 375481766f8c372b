// Package configwatch reloads the running topology when its configuration
// file changes on disk.
package configwatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Rusteze-AP/simulation-controller/internal/controller"
	"github.com/Rusteze-AP/simulation-controller/internal/logging"
)

// DefaultDebounce coalesces the burst of writes editors produce on save.
const DefaultDebounce = 500 * time.Millisecond

// Swapper is satisfied by *controller.Controller.
type Swapper interface {
	SwapTopology(ctx context.Context, source string) controller.Result
}

// Watcher swaps the topology to path after every settled change.
type Watcher struct {
	path     string
	swap     Swapper
	debounce time.Duration
	log      logging.Logger

	// onSwap, when set, sees every result. Tests use it.
	onSwap func(controller.Result)
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithDebounce sets the quiet period after the last change before a swap.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the watcher logger.
func WithLogger(l logging.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New returns a watcher for path.
func New(path string, swap Swapper, opts ...Option) *Watcher {
	w := &Watcher{
		path:     filepath.Clean(path),
		swap:     swap,
		debounce: DefaultDebounce,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.log = w.log.With(logging.String("component", "configwatch"), logging.String("source", w.path))
	return w
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file so that editors replacing the file by rename are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("configwatch: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("configwatch: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info(ctx, "watching configuration")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn(ctx, "watcher error", logging.Err(err))

		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	w.log.Info(ctx, "configuration changed; swapping topology")
	res := w.swap.SwapTopology(ctx, w.path)
	if res.Err != nil {
		w.log.Warn(ctx, "topology swap did not fully succeed",
			logging.String("status", res.Status.String()),
			logging.Err(res.Err),
		)
	}
	if w.onSwap != nil {
		w.onSwap(res)
	}
}
