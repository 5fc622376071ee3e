package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asim/courier/location"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func mustEnvelope(t *testing.T, kind string, payload interface{}) []byte {
	t.Helper()
	data, err := marshalEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", kind, err)
	}
	return data
}

// acceptJoin upgrades the connection, consumes the join handshake and
// acks it, mirroring what the relay server does.
func acceptJoin(t *testing.T, w http.ResponseWriter, r *http.Request, wantToken string) *websocket.Conn {
	t.Helper()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.Errorf("upgrade: %v", err)
		return nil
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("read join: %v", err)
		conn.Close()
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Type != TypeJoin {
		t.Errorf("first frame = %s, want join", msg)
	}
	var jp joinPayload
	json.Unmarshal(env.Payload, &jp)
	if jp.Token != wantToken {
		t.Errorf("join token = %q, want %q", jp.Token, wantToken)
	}

	if err := conn.WriteMessage(websocket.TextMessage, mustEnvelope(t, TypeJoined, struct{}{})); err != nil {
		t.Errorf("write joined: %v", err)
	}
	return conn
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if sc, ok := ev.(StateChange); ok && sc.State == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached %v, currently %v", want, ch.State())
		}
	}
}

func waitUpdate(t *testing.T, ch *Channel) RemoteUpdate {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch.Events():
			if up, ok := ev.(RemoteUpdate); ok {
				return up
			}
		case <-deadline:
			t.Fatal("no remote update delivered")
		}
	}
}

func TestConnectRequiresToken(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1/ws"})
	if err := ch.Connect(); !errors.Is(err, ErrNoToken) {
		t.Errorf("Connect without token: err = %v, want ErrNoToken", err)
	}
}

func TestJoinHandshakeAndInboundEvents(t *testing.T) {
	inbound := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := acceptJoin(t, w, r, "tok-1")
		if conn == nil {
			return
		}
		defer conn.Close()
		for msg := range inbound {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		// hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer srv.Close()
	defer close(inbound)

	ch := NewChannel(Config{URL: wsURL(srv), Token: "tok-1"})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitState(t, ch, StateJoined)

	inbound <- mustEnvelope(t, TypeUserLocation, userLocationPayload{
		UserID: "42", Latitude: 12.9, Longitude: 77.6,
	})

	up := waitUpdate(t, ch)
	if up.SubjectID != "42" {
		t.Errorf("subject = %q, want 42", up.SubjectID)
	}
	if up.Location.Latitude != 12.9 || up.Location.Longitude != 77.6 {
		t.Errorf("location = %+v", up.Location)
	}

	inbound <- mustEnvelope(t, TypeAgentLocation, agentLocationPayload{Latitude: 51.5, Longitude: -0.1})
	up = waitUpdate(t, ch)
	if up.SubjectID != AgentSubjectID {
		t.Errorf("agent update subject = %q, want %q", up.SubjectID, AgentSubjectID)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	inbound := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := acceptJoin(t, w, r, "tok")
		if conn == nil {
			return
		}
		defer conn.Close()
		for msg := range inbound {
			conn.WriteMessage(websocket.TextMessage, msg)
		}
		conn.ReadMessage()
	}))
	defer srv.Close()
	defer close(inbound)

	ch := NewChannel(Config{URL: wsURL(srv), Token: "tok"})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, StateJoined)

	// all of these must be dropped silently
	inbound <- []byte(`not json`)
	inbound <- []byte(`{"type":"mystery","payload":{}}`)
	inbound <- mustEnvelope(t, TypeUserLocation, userLocationPayload{UserID: "", Latitude: 1, Longitude: 1})
	inbound <- mustEnvelope(t, TypeUserLocation, userLocationPayload{UserID: "u1", Latitude: 123.4, Longitude: 0})
	inbound <- mustEnvelope(t, TypeAgentLocation, agentLocationPayload{Latitude: 0, Longitude: -999})
	// and this one must survive
	inbound <- mustEnvelope(t, TypeUserLocation, userLocationPayload{UserID: "u1", Latitude: 10, Longitude: 20})

	up := waitUpdate(t, ch)
	if up.SubjectID != "u1" || up.Location.Latitude != 10 {
		t.Errorf("surviving update = %+v, want u1 at (10, 20)", up)
	}
}

func TestReconnectExhaustionIsBounded(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		URL:               wsURL(srv),
		Token:             "tok",
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
	})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}

	waitState(t, ch, StateDisconnected)

	got := atomic.LoadInt32(&hits)
	if got != 6 { // initial attempt + 5 retries
		t.Errorf("server saw %d attempts, want 6", got)
	}

	// no further automatic attempts after the terminal transition
	time.Sleep(100 * time.Millisecond)
	if after := atomic.LoadInt32(&hits); after != got {
		t.Errorf("attempts kept coming after terminal Disconnected: %d -> %d", got, after)
	}
}

func TestManualRetryAfterExhaustion(t *testing.T) {
	var accept atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn := acceptJoin(t, w, r, "tok")
		if conn == nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		URL:               wsURL(srv),
		Token:             "tok",
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, StateDisconnected)

	accept.Store(true)
	if err := ch.Connect(); err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	waitState(t, ch, StateJoined)
}

func TestHandshakeTimeoutCountsAsFailure(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// read the join but never ack it
		conn.ReadMessage()
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		URL:               wsURL(srv),
		Token:             "tok",
		HandshakeTimeout:  50 * time.Millisecond,
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}

	waitState(t, ch, StateDisconnected)
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server saw %d attempts, want 3", got)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var conns int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		conn := acceptJoin(t, w, r, "tok")
		if conn == nil {
			return
		}
		if n == 1 {
			// first connection drops right after the handshake
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, mustEnvelope(t, TypeUserLocation, userLocationPayload{
			UserID: "after-reconnect", Latitude: 1, Longitude: 2,
		}))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch := NewChannel(Config{
		URL:            wsURL(srv),
		Token:          "tok",
		ReconnectDelay: 10 * time.Millisecond,
	})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}

	up := waitUpdate(t, ch)
	if up.SubjectID != "after-reconnect" {
		t.Errorf("update after reconnect = %+v", up)
	}
	if atomic.LoadInt32(&conns) < 2 {
		t.Error("channel never re-dialed")
	}
}

func TestSendEmitsLocationFrame(t *testing.T) {
	received := make(chan locationPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := acceptJoin(t, w, r, "tok")
		if conn == nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != TypeLocation {
			t.Errorf("frame = %s, want location", msg)
			return
		}
		var lp locationPayload
		json.Unmarshal(env.Payload, &lp)
		received <- lp
	}))
	defer srv.Close()

	ch := NewChannel(Config{URL: wsURL(srv), Token: "tok"})
	defer ch.Close()
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, StateJoined)

	ch.Send(location.Point{Latitude: 12.9, Longitude: 77.6})

	select {
	case lp := <-received:
		if lp.Latitude != 12.9 || lp.Longitude != 77.6 {
			t.Errorf("server received %+v", lp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the location frame")
	}
}

func TestSendDroppedWhenNotJoined(t *testing.T) {
	ch := NewChannel(Config{URL: "ws://127.0.0.1:1/ws", Token: "tok"})
	ch.Send(location.Point{Latitude: 1, Longitude: 1})
	if len(ch.sendq) != 0 {
		t.Error("sample queued while disconnected")
	}
	ch.Send(location.Point{Latitude: 400, Longitude: 0})
	if len(ch.sendq) != 0 {
		t.Error("invalid sample queued")
	}
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn := acceptJoin(t, w, r, "tok")
		if conn == nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	ch := NewChannel(Config{URL: wsURL(srv), Token: "tok"})
	if err := ch.Connect(); err != nil {
		t.Fatal(err)
	}
	waitState(t, ch, StateJoined)

	ch.Close()
	ch.Close() // idempotent

	if st := ch.State(); st != StateDisconnected {
		t.Errorf("state after Close = %v", st)
	}
	if err := ch.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close: err = %v, want ErrClosed", err)
	}
}
