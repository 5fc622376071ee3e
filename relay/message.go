package relay

import (
	"encoding/json"
	"time"

	"github.com/asim/courier/location"
)

// Message kinds on the wire. This is the closed set; anything else is
// dropped at the boundary.
const (
	TypeJoin          = "join"
	TypeJoined        = "joined"
	TypeLocation      = "location"
	TypeUserLocation  = "userLocation"
	TypeAgentLocation = "agentLocation"
)

// AgentSubjectID is the fixed subject id a user's single counterpart is
// tracked under. The wire carries no id for the agent side.
const AgentSubjectID = "agent"

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Token string `json:"token"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type userLocationPayload struct {
	UserID    string     `json:"userId"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type agentLocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func marshalEnvelope(kind string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Payload: raw})
}

// State is the connection phase of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateJoined
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Event is something a Channel reports to its owner: either a counterpart
// location or a state transition.
type Event interface {
	event()
}

// RemoteUpdate is a validated counterpart location.
type RemoteUpdate struct {
	SubjectID string
	Location  location.Point
	UpdatedAt time.Time
}

func (RemoteUpdate) event() {}

// StateChange reports a transition of the channel state machine.
type StateChange struct {
	State State
}

func (StateChange) event() {}
