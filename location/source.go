// Package location provides the position source: one-shot fetches,
// continuous tracking with a callback list, and geo helpers.
package location

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrPermissionDenied means location access was not granted.
	ErrPermissionDenied = errors.New("location permission denied")
	// ErrServiceDisabled means the platform location service is off.
	ErrServiceDisabled = errors.New("location service disabled")
	// ErrUnavailable covers sensor and timeout failures.
	ErrUnavailable = errors.New("location unavailable")
)

// Device is a positioning backend that can produce one fix at a time.
type Device interface {
	Position(ctx context.Context) (Point, error)
}

// Source delivers positions to interested callers.
type Source interface {
	// Current returns a single fix. Fails with ErrPermissionDenied,
	// ErrServiceDisabled or ErrUnavailable.
	Current(ctx context.Context) (Point, error)
	// Subscribe registers a callback for accepted samples and starts
	// sampling if not already active.
	Subscribe(fn func(Point))
	// Stop halts sampling and clears all callbacks. Idempotent.
	Stop()
}

const (
	defaultSampleInterval  = 3 * time.Second
	defaultMinDisplacement = 5.0 // meters
)

// Tracker polls a Device on an interval and fans accepted samples out to
// registered callbacks. Samples closer than the minimum displacement to the
// last accepted one are skipped (GPS jitter, standing still).
type Tracker struct {
	device   Device
	interval time.Duration
	minMove  float64

	mu        sync.Mutex
	callbacks []func(Point)
	active    bool
	stop      chan struct{}
	last      Point
	hasLast   bool
}

// TrackerOption tunes a Tracker.
type TrackerOption func(*Tracker)

// WithInterval sets the sampling cadence.
func WithInterval(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.interval = d }
}

// WithMinDisplacement sets the minimum movement in meters between
// accepted samples.
func WithMinDisplacement(meters float64) TrackerOption {
	return func(t *Tracker) { t.minMove = meters }
}

// NewTracker creates a tracker over the given device. Tracking does not
// start until the first Subscribe.
func NewTracker(device Device, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		device:   device,
		interval: defaultSampleInterval,
		minMove:  defaultMinDisplacement,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Current returns a single fix from the underlying device.
func (t *Tracker) Current(ctx context.Context) (Point, error) {
	p, err := t.device.Position(ctx)
	if err != nil {
		return Point{}, err
	}
	if !p.Valid() {
		return Point{}, ErrUnavailable
	}
	return p, nil
}

// Subscribe registers a callback. All registered callbacks receive every
// accepted sample. The sampling loop starts on the first subscription.
func (t *Tracker) Subscribe(fn func(Point)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks = append(t.callbacks, fn)

	if t.active {
		return
	}
	t.active = true
	t.stop = make(chan struct{})
	go t.loop(t.stop)
}

// Stop halts sampling and deregisters all callbacks. Safe to call when not
// tracking, and safe to call twice.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		close(t.stop)
		t.active = false
	}
	t.callbacks = nil
	t.hasLast = false
}

func (t *Tracker) loop(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.interval)
			p, err := t.device.Position(ctx)
			cancel()
			if err != nil {
				// skip-and-continue: a bad sample never kills the subscription
				log.Printf("[location] sample failed: %v", err)
				continue
			}
			t.deliver(p)
		}
	}
}

// deliver validates and displacement-filters a sample, then invokes the
// callbacks outside the lock.
func (t *Tracker) deliver(p Point) {
	if !p.Valid() {
		log.Printf("[location] dropping invalid sample (%v, %v)", p.Latitude, p.Longitude)
		return
	}

	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	if t.hasLast && DistanceMeters(t.last, p) < t.minMove {
		t.mu.Unlock()
		return
	}
	t.last = p
	t.hasLast = true
	cbs := make([]func(Point), len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(p)
	}
}
