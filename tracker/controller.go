package tracker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/asim/courier/location"
	"github.com/asim/courier/relay"
	"github.com/asim/courier/session"
)

// ErrNotAuthenticated means no session token exists; the caller was
// routed to the login flow.
var ErrNotAuthenticated = errors.New("not authenticated")

// Link is the realtime channel surface the controller drives.
// *relay.Channel satisfies it.
type Link interface {
	Connect() error
	Close()
	Send(location.Point)
	Events() <-chan relay.Event
}

// SessionStore is the slice of the session store the controller needs.
type SessionStore interface {
	Load() (session.Session, error)
	Clear() error
}

// RoutePlanner sequences route fetches. *route.Planner satisfies it.
type RoutePlanner interface {
	Request(origin, destination location.Point)
	Clear()
}

// Controller composes the position source, relay channel, location table
// and route planner for one mounted screen. One type serves both roles;
// Role decides which counterpart updates it accepts.
type Controller struct {
	role     string
	source   location.Source
	link     Link
	sessions SessionStore
	planner  RoutePlanner
	table    *Table

	sweepEvery time.Duration
	onNavigate func(target string)
	onDown     func()

	mu       sync.Mutex
	mounted  bool
	stop     chan struct{}
	self     location.Point
	hasSelf  bool
	selected string
}

// Option tunes a Controller.
type Option func(*Controller)

// OnNavigate sets the navigation callback (login redirects).
func OnNavigate(fn func(target string)) Option {
	return func(c *Controller) { c.onNavigate = fn }
}

// OnDown sets the callback invoked when the channel gives up reconnecting;
// the owner surfaces a connectivity banner and may call Mount again.
func OnDown(fn func()) Option {
	return func(c *Controller) { c.onDown = fn }
}

// WithSweepInterval sets how often stale entries are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Controller) { c.sweepEvery = d }
}

// NewController wires a controller. Nothing runs until Mount.
func NewController(role string, source location.Source, link Link, sessions SessionStore, planner RoutePlanner, table *Table, opts ...Option) *Controller {
	c := &Controller{
		role:       role,
		source:     source,
		link:       link,
		sessions:   sessions,
		planner:    planner,
		table:      table,
		sweepEvery: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Table exposes the location table for rendering.
func (c *Controller) Table() *Table {
	return c.table
}

// Self returns the last accepted own position.
func (c *Controller) Self() (location.Point, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.hasSelf
}

// Selected returns the currently tracked subject id, if any.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Mount gates on the session and the location permission, connects the
// channel and starts tracking. Permission and service errors come back
// as-is so the owner can present a retry affordance and call Mount again.
// Calling Mount on an already-mounted controller reconnects a down
// channel and is otherwise a no-op.
func (c *Controller) Mount(ctx context.Context) error {
	sess, err := c.sessions.Load()
	if err != nil {
		return err
	}
	if !sess.Authenticated() {
		c.navigate("login")
		return ErrNotAuthenticated
	}

	if _, err := c.source.Current(ctx); err != nil {
		if errors.Is(err, location.ErrPermissionDenied) || errors.Is(err, location.ErrServiceDisabled) {
			return err
		}
		// a transient fix failure does not block mounting; tracking
		// recovers on later samples
		log.Printf("[tracker] initial fix failed: %v", err)
	}

	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		// already mounted: re-enter the connect flow. This is the manual
		// retry path after the channel exhausted its reconnect attempts.
		if err := c.link.Connect(); err != nil && !errors.Is(err, relay.ErrConnecting) {
			return err
		}
		return nil
	}
	c.mounted = true
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	if err := c.link.Connect(); err != nil && !errors.Is(err, relay.ErrConnecting) {
		c.mu.Lock()
		c.mounted = false
		c.stop = nil
		c.mu.Unlock()
		close(stop)
		if errors.Is(err, relay.ErrNoToken) {
			c.navigate("login")
			return ErrNotAuthenticated
		}
		return err
	}

	go c.consume(stop)
	go c.sweep(stop)
	c.source.Subscribe(c.onSample)

	log.Printf("[tracker] %s controller mounted", c.role)
	return nil
}

// Select tracks a subject: each self-or-counterpart position change now
// refreshes the route to it. An empty id clears selection and route.
func (c *Controller) Select(subjectID string) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.selected = subjectID
	self, hasSelf := c.self, c.hasSelf
	c.mu.Unlock()

	if subjectID == "" {
		c.planner.Clear()
		return
	}
	if entry, ok := c.table.Get(subjectID); ok && hasSelf {
		c.planner.Request(self, entry.Location)
	}
}

// Unmount tears everything down symmetrically with Mount: stops the
// source, closes the channel, clears the route, stops the sweeper. Safe
// to call twice. Late completions after Unmount are no-ops.
func (c *Controller) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	close(stop)
	c.source.Stop()
	c.link.Close()
	c.planner.Clear()
	log.Printf("[tracker] %s controller unmounted", c.role)
}

// Logout clears the session, disconnects, stops tracking and navigates to
// login, in that order. Every step is best-effort; a failure never blocks
// the next step.
func (c *Controller) Logout() {
	c.mu.Lock()
	c.mounted = false
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if err := c.sessions.Clear(); err != nil {
		log.Printf("[tracker] clearing session failed: %v", err)
	}
	c.link.Close()
	c.source.Stop()
	c.navigate("login")
}

// onSample handles an accepted own-position sample: emit it over the
// channel and refresh the route to the selected counterpart.
func (c *Controller) onSample(p location.Point) {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.self = p
	c.hasSelf = true
	selected := c.selected
	c.mu.Unlock()

	c.link.Send(p)

	if selected != "" {
		if entry, ok := c.table.Get(selected); ok {
			c.planner.Request(p, entry.Location)
		}
	}
}

// accepts filters counterpart updates by role: agents track users, a
// user tracks only the agent.
func (c *Controller) accepts(subjectID string) bool {
	if c.role == session.RoleAgent {
		return subjectID != relay.AgentSubjectID
	}
	return subjectID == relay.AgentSubjectID
}

func (c *Controller) consume(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-c.link.Events():
			switch ev := ev.(type) {
			case relay.RemoteUpdate:
				c.handleUpdate(ev)
			case relay.StateChange:
				if ev.State == relay.StateDisconnected && c.isMounted() && c.onDown != nil {
					c.onDown()
				}
			}
		}
	}
}

func (c *Controller) handleUpdate(up relay.RemoteUpdate) {
	if !c.accepts(up.SubjectID) {
		return
	}
	if !c.table.Upsert(up.SubjectID, up.Location, up.UpdatedAt) {
		return
	}

	c.mu.Lock()
	selected := c.selected
	self, hasSelf := c.self, c.hasSelf
	c.mu.Unlock()

	if selected == up.SubjectID && hasSelf {
		c.planner.Request(self, up.Location)
	}
}

func (c *Controller) sweep(stop chan struct{}) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.table.EvictStale(time.Now())
		}
	}
}

func (c *Controller) isMounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

func (c *Controller) navigate(target string) {
	if c.onNavigate != nil {
		c.onNavigate(target)
	}
}
