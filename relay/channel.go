// Package relay is the client side of the realtime location relay: one
// websocket connection per mounted screen, authenticated by a join
// handshake, carrying location events in both directions.
package relay

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asim/courier/location"
)

const (
	// Time allowed to write a message to the server.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the server.
	pongWait = 60 * time.Second

	// Send pings to the server with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from the server.
	maxMessageSize = 4096
)

var (
	// ErrNoToken means no authentication token is present; the caller
	// should route to the login flow instead of connecting.
	ErrNoToken = errors.New("no session token")
	// ErrClosed means the channel instance was torn down.
	ErrClosed = errors.New("channel closed")
	// ErrConnecting means a connect cycle is already running.
	ErrConnecting = errors.New("already connecting")
)

// Config holds the connection parameters for a Channel.
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token authenticates the join handshake. Required.
	Token string

	// DialTimeout bounds the transport connect. Default 10s.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the wait for the joined ack. Default 5s.
	HandshakeTimeout time.Duration
	// ReconnectAttempts bounds automatic retries after a drop. Default 5.
	ReconnectAttempts int
	// ReconnectDelay spaces the retries. Default 1s.
	ReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
}

// wsConn is one underlying transport connection. The stop channel ends
// its write loop; a new wsConn is made for every (re)connect.
type wsConn struct {
	ws   *websocket.Conn
	stop chan struct{}
}

// Channel manages one connection to the relay server. Lifecycle:
// Connect, consume Events, Send accepted samples, Close on unmount or
// logout. Close is terminal for the instance.
type Channel struct {
	cfg Config
	id  string

	mu      sync.Mutex
	state   State
	active  *wsConn
	running bool
	closed  bool

	done   chan struct{}
	events chan Event
	sendq  chan location.Point
}

// NewChannel creates a channel. It does not connect.
func NewChannel(cfg Config) *Channel {
	cfg.defaults()
	return &Channel{
		cfg:    cfg,
		id:     uuid.New().String()[:8],
		done:   make(chan struct{}),
		events: make(chan Event, 64),
		sendq:  make(chan location.Point, 16),
	}
}

// State returns the current connection phase.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events delivers counterpart locations and state transitions. The
// channel is never closed; stop reading after Close.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Connect starts the connect cycle in the background. A failed first
// attempt feeds straight into the bounded reconnect policy. After the
// policy is exhausted the channel sits in Disconnected and Connect may be
// called again (manual retry).
func (c *Channel) Connect() error {
	if c.cfg.Token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return ErrConnecting
	}
	c.running = true
	c.mu.Unlock()

	go c.run()
	return nil
}

// Send emits one location frame for the sample. Samples are dropped with
// a log line unless the channel is Joined.
func (c *Channel) Send(p location.Point) {
	if !p.Valid() {
		log.Printf("[relay] %s dropping invalid outbound sample", c.id)
		return
	}
	if st := c.State(); st != StateJoined {
		log.Printf("[relay] %s dropping send while %s", c.id, st)
		return
	}
	select {
	case c.sendq <- p:
	default:
		log.Printf("[relay] %s send queue full, dropping sample", c.id)
	}
}

// Close tears the channel down from any state. Safe to call more than
// once; always terminal for this instance.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	wc := c.active
	c.active = nil
	c.mu.Unlock()

	close(c.done)
	if wc != nil {
		close(wc.stop)
		wc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		wc.ws.Close()
	}
	log.Printf("[relay] %s closed", c.id)
}

func (c *Channel) run() {
	c.setState(StateConnecting)

	if c.attempt() {
		return
	}
	if c.isClosed() {
		return
	}

	c.setState(StateReconnecting)
	c.retry()
}

// attempt dials, performs the join handshake, and on success adopts the
// connection and reports Joined.
func (c *Channel) attempt() bool {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		log.Printf("[relay] %s connect failed: %v", c.id, err)
		return false
	}

	c.setState(StateHandshaking)
	if err := c.handshake(ws); err != nil {
		log.Printf("[relay] %s handshake failed: %v", c.id, err)
		ws.Close()
		return false
	}

	if !c.adopt(ws) {
		// closed while handshaking
		ws.Close()
		return false
	}
	c.setState(StateJoined)
	return true
}

// handshake sends the join and waits for the joined ack.
func (c *Channel) handshake(ws *websocket.Conn) error {
	data, err := marshalEnvelope(TypeJoin, joinPayload{Token: c.cfg.Token})
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("[relay] %s dropping malformed frame during handshake", c.id)
			continue
		}
		if env.Type == TypeJoined {
			return nil
		}
		// location frames racing the ack are dropped, the server will
		// resend on its next tick
		log.Printf("[relay] %s ignoring %q before join ack", c.id, env.Type)
	}
}

// adopt installs the connection and starts its loops. Returns false if
// the channel was closed in the meantime.
func (c *Channel) adopt(ws *websocket.Conn) bool {
	wc := &wsConn{ws: ws, stop: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.active = wc
	c.mu.Unlock()

	go c.readLoop(wc)
	go c.writeLoop(wc)
	return true
}

// retry runs the bounded reconnect policy: ReconnectAttempts attempts,
// ReconnectDelay apart, then give up silently into Disconnected.
func (c *Channel) retry() {
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectDelay):
		}
		if c.isClosed() {
			return
		}

		if c.attempt() {
			log.Printf("[relay] %s reconnected on attempt %d", c.id, attempt)
			return
		}
		log.Printf("[relay] %s reconnect %d/%d failed", c.id, attempt, c.cfg.ReconnectAttempts)
		c.setState(StateReconnecting)
	}

	log.Printf("[relay] %s giving up after %d attempts", c.id, c.cfg.ReconnectAttempts)
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// lost handles a transport drop on the given connection. Only the first
// report for a connection wins; stale reports are no-ops, as are reports
// after Close.
func (c *Channel) lost(wc *wsConn, err error) {
	c.mu.Lock()
	if c.closed || c.active != wc {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	close(wc.stop)
	wc.ws.Close()
	log.Printf("[relay] %s connection lost: %v", c.id, err)

	c.setState(StateReconnecting)
	c.retry()
}

func (c *Channel) readLoop(wc *wsConn) {
	wc.ws.SetReadLimit(maxMessageSize)
	wc.ws.SetReadDeadline(time.Now().Add(pongWait))
	wc.ws.SetPongHandler(func(string) error {
		wc.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := wc.ws.ReadMessage()
		if err != nil {
			go c.lost(wc, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Channel) writeLoop(wc *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-wc.stop:
			return
		case <-c.done:
			return
		case p := <-c.sendq:
			data, err := marshalEnvelope(TypeLocation, locationPayload{
				Latitude:  p.Latitude,
				Longitude: p.Longitude,
			})
			if err != nil {
				continue
			}
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				go c.lost(wc, err)
				return
			}
		case <-ticker.C:
			wc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.lost(wc, err)
				return
			}
		}
	}
}

// dispatch validates an inbound frame and emits it as an event. Anything
// malformed is dropped with a log line, never surfaced.
func (c *Channel) dispatch(msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("[relay] %s dropping malformed frame: %v", c.id, err)
		return
	}

	switch env.Type {
	case TypeUserLocation:
		var p userLocationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[relay] %s dropping malformed userLocation: %v", c.id, err)
			return
		}
		pt := location.Point{Latitude: p.Latitude, Longitude: p.Longitude}
		if p.UserID == "" || !pt.Valid() {
			log.Printf("[relay] %s dropping invalid userLocation for %q", c.id, p.UserID)
			return
		}
		at := time.Now()
		if p.UpdatedAt != nil {
			at = *p.UpdatedAt
		}
		c.emit(RemoteUpdate{SubjectID: p.UserID, Location: pt, UpdatedAt: at})

	case TypeAgentLocation:
		var p agentLocationPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("[relay] %s dropping malformed agentLocation: %v", c.id, err)
			return
		}
		pt := location.Point{Latitude: p.Latitude, Longitude: p.Longitude}
		if !pt.Valid() {
			log.Printf("[relay] %s dropping invalid agentLocation", c.id)
			return
		}
		c.emit(RemoteUpdate{SubjectID: AgentSubjectID, Location: pt, UpdatedAt: time.Now()})

	case TypeJoined:
		// duplicate ack after the handshake, nothing to do

	default:
		log.Printf("[relay] %s dropping unknown frame type %q", c.id, env.Type)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.closed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(StateChange{State: s})
}

func (c *Channel) emit(ev Event) {
	select {
	case <-c.done:
	case c.events <- ev:
	default:
		log.Printf("[relay] %s event buffer full, dropping", c.id)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
