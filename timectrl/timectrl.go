// Package timectrl drives the reference engine clock. Listeners are called
// on every tick from the clock goroutine.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the read side of a TimeController.
type Clock interface {
	Now() time.Time
}

// Mode describes how the TimeController advances time.
type Mode int

const (
	// RealTime advances according to wall-clock time, one Tick per tick.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

// TimeController drives engine time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	currentTime time.Time
	listeners   []func(time.Time)
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	if tick <= 0 {
		tick = time.Second
	}
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current engine time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run advances the clock until ctx is done or, if duration is positive,
// until duration of engine time has elapsed.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) {
	tc.mu.Lock()
	simTime := tc.StartTime
	tc.currentTime = simTime
	tc.mu.Unlock()

	var tick <-chan time.Time
	if tc.Mode == RealTime {
		ticker := time.NewTicker(tc.Tick)
		defer ticker.Stop()
		tick = ticker.C
	}

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return
		}

		simTime = simTime.Add(tc.Tick)
		elapsed += tc.Tick

		tc.mu.Lock()
		tc.currentTime = simTime
		listeners := append(([]func(time.Time))(nil), tc.listeners...)
		tc.mu.Unlock()

		for _, fn := range listeners {
			fn(simTime)
		}
	}
}

// Start runs the controller for the specified duration in a separate goroutine.
// It returns a channel that is closed when the controller finishes.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tc.Run(ctx, duration)
	}()
	return done
}
