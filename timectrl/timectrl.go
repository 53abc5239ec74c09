package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidTick is returned by Run when the controller has no positive tick.
var ErrInvalidTick = errors.New("tick must be positive")

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances one tick per tick of wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the listeners return.
	Accelerated
)

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// Listener is invoked on every tick with the new simulation time. A
// listener error stops the controller.
type Listener func(ctx context.Context, now time.Time) error

// TimeController drives simulation time and notifies registered listeners
// in registration order, one tick at a time.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Elapsed returns the simulation time since StartTime.
func (tc *TimeController) Elapsed() time.Duration {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime.Sub(tc.StartTime)
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run advances the clock by Tick until duration has elapsed, calling every
// listener after each step. It returns the first listener error or the
// context error. In RealTime mode each step waits for one tick of wall
// time.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	if tc.Tick <= 0 {
		return ErrInvalidTick
	}

	tc.mu.Lock()
	simTime := tc.StartTime
	tc.currentTime = simTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	var limiter *rate.Limiter
	if tc.Mode == RealTime {
		limiter = rate.NewLimiter(rate.Every(tc.Tick), 1)
		// Drain the initial burst so the first tick lands one period in.
		limiter.Reserve()
	}

	for elapsed := time.Duration(0); elapsed < duration; elapsed += tc.Tick {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limiter != nil {
			if err := pace(ctx, limiter); err != nil {
				return err
			}
		}

		simTime = simTime.Add(tc.Tick)
		tc.SetTime(simTime)

		for _, fn := range listeners {
			if err := fn(ctx, simTime); err != nil {
				return fmt.Errorf("tick at %s: %w", simTime.Sub(tc.StartTime), err)
			}
		}
	}
	return nil
}

// pace blocks until the limiter releases one token, or ctx is done.
func pace(ctx context.Context, l *rate.Limiter) error {
	r := l.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
