package location

import (
	"context"
	"math/rand"
	"sync"
)

// SimMode selects how a SimDevice responds.
type SimMode int

const (
	// SimOK produces a random walk around the starting point.
	SimOK SimMode = iota
	// SimDenied fails every fix with ErrPermissionDenied.
	SimDenied
	// SimDisabled fails every fix with ErrServiceDisabled.
	SimDisabled
)

// SimDevice is a simulated positioning backend. Each fix drifts the
// current position by a small random delta, the same shape of walk the
// movement simulators use for demo data.
type SimDevice struct {
	mu   sync.Mutex
	cur  Point
	step float64
	rng  *rand.Rand
	mode SimMode
}

// NewSimDevice starts a simulated device at the given point. A seed of 0
// keeps the walk deterministic for tests.
func NewSimDevice(start Point, seed int64) *SimDevice {
	return &SimDevice{
		cur:  start,
		step: 0.0001,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// SetMode switches the device into a failure mode (or back to SimOK).
func (d *SimDevice) SetMode(mode SimMode) {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
}

// Position returns the next point of the walk.
func (d *SimDevice) Position(ctx context.Context) (Point, error) {
	if err := ctx.Err(); err != nil {
		return Point{}, ErrUnavailable
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.mode {
	case SimDenied:
		return Point{}, ErrPermissionDenied
	case SimDisabled:
		return Point{}, ErrServiceDisabled
	}

	d.cur.Latitude += (d.rng.Float64() - 0.5) * d.step
	d.cur.Longitude += (d.rng.Float64() - 0.5) * d.step
	return d.cur, nil
}
