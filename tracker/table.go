// Package tracker owns the table of counterpart locations and the screen
// controllers that tie the position source, relay channel and route
// planner together.
package tracker

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/asim/quadtree"

	"github.com/asim/courier/location"
)

const defaultStaleAfter = 60 * time.Second

// Entry is one counterpart's last known location.
type Entry struct {
	SubjectID string
	Location  location.Point
	UpdatedAt time.Time
}

// Table stores one Entry per subject id, spatially indexed so the agent
// view can ask for the nearest counterparts. Updates replace in place;
// there is never more than one entry per subject.
type Table struct {
	staleAfter time.Duration

	mu     sync.RWMutex
	tree   *quadtree.QuadTree
	points map[string]*quadtree.Point
}

// NewTable creates a table. Entries unseen for staleAfter are removed by
// EvictStale; zero means the 60s default.
func NewTable(staleAfter time.Duration) *Table {
	if staleAfter == 0 {
		staleAfter = defaultStaleAfter
	}

	center := quadtree.NewPoint(0, 0, nil)
	half := quadtree.NewPoint(90, 180, nil)
	boundary := quadtree.NewAABB(center, half)

	return &Table{
		staleAfter: staleAfter,
		tree:       quadtree.New(boundary, 0, nil),
		points:     make(map[string]*quadtree.Point),
	}
}

// Upsert inserts or replaces the entry for a subject. Invalid updates
// (empty id, bad coordinate) are rejected and leave prior state
// untouched. Returns whether the update was applied.
func (t *Table) Upsert(subjectID string, p location.Point, at time.Time) bool {
	if subjectID == "" || !p.Valid() {
		log.Printf("[tracker] dropping invalid update for %q", subjectID)
		return false
	}
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.points[subjectID]; ok {
		t.tree.Remove(existing)
	}

	entry := &Entry{SubjectID: subjectID, Location: p, UpdatedAt: at}
	point := quadtree.NewPoint(p.Latitude, p.Longitude, entry)
	if !t.tree.Insert(point) {
		log.Printf("[tracker] failed to index %s at (%.4f, %.4f)", subjectID, p.Latitude, p.Longitude)
		delete(t.points, subjectID)
		return false
	}
	t.points[subjectID] = point
	return true
}

// Get returns the entry for a subject.
func (t *Table) Get(subjectID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	point, ok := t.points[subjectID]
	if !ok {
		return Entry{}, false
	}
	return *point.Data().(*Entry), true
}

// Len returns the number of tracked subjects.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.points)
}

// Snapshot returns all entries, most recently updated first.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.points))
	for _, point := range t.points {
		entries = append(entries, *point.Data().(*Entry))
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].SubjectID < entries[j].SubjectID
		}
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries
}

// Nearest returns up to limit entries within radiusMeters of from,
// closest first.
func (t *Table) Nearest(from location.Point, radiusMeters float64, limit int) []Entry {
	if !from.Valid() || limit <= 0 {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	center := quadtree.NewPoint(from.Latitude, from.Longitude, nil)
	half := center.HalfPoint(radiusMeters)
	boundary := quadtree.NewAABB(center, half)

	filter := func(p *quadtree.Point) bool {
		_, ok := p.Data().(*Entry)
		return ok
	}

	points := t.tree.KNearest(boundary, limit, filter)
	entries := make([]Entry, 0, len(points))
	for _, point := range points {
		entries = append(entries, *point.Data().(*Entry))
	}
	return entries
}

// EvictStale removes entries not updated within the liveness window and
// returns their subject ids.
func (t *Table) EvictStale(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, point := range t.points {
		entry := point.Data().(*Entry)
		if now.Sub(entry.UpdatedAt) >= t.staleAfter {
			t.tree.Remove(point)
			delete(t.points, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		log.Printf("[tracker] evicted %d stale subject(s)", len(evicted))
	}
	return evicted
}
