package route

import (
	"context"
	"sync"

	"github.com/asim/courier/location"
)

// Plan is a fetched polyline tagged with the inputs that produced it.
type Plan struct {
	Origin      location.Point
	Destination location.Point
	Points      []location.Point
}

// Planner sequences route fetches so the displayed route always matches
// the latest (origin, destination) pair. In-flight fetches are not
// cancelled; their results are discarded if a newer request has been made
// since (last-input-wins).
type Planner struct {
	fetch func(ctx context.Context, origin, destination location.Point) []location.Point

	mu    sync.Mutex
	gen   uint64
	plans chan Plan
}

func NewPlanner(f *Fetcher) *Planner {
	return &Planner{
		fetch: f.Fetch,
		plans: make(chan Plan, 1),
	}
}

// Plans delivers each winning plan. The channel holds only the newest
// plan; a slow reader sees the latest state, not a backlog.
func (p *Planner) Plans() <-chan Plan {
	return p.plans
}

// Request starts a fetch for the pair. It returns immediately; the result
// arrives on Plans unless a newer Request or Clear supersedes it.
func (p *Planner) Request(origin, destination location.Point) {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	go func() {
		points := p.fetch(context.Background(), origin, destination)
		p.deliver(gen, Plan{Origin: origin, Destination: destination, Points: points})
	}()
}

// Clear empties the current route and invalidates any in-flight fetch.
func (p *Planner) Clear() {
	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.mu.Unlock()

	p.deliver(gen, Plan{})
}

func (p *Planner) deliver(gen uint64, plan Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.gen {
		// superseded by a newer request
		return
	}

	// replace whatever the reader hasn't consumed yet
	select {
	case <-p.plans:
	default:
	}
	p.plans <- plan
}
