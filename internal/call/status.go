package call

import (
	"time"

	"github.com/mossy-p/poll-signaling/internal/models"
)

// Status is the client-side state of a call session.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusCalling    Status = "calling"
	StatusActive     Status = "active"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	// StatusExpired is local only: the deadline passed before the server
	// reported an outcome.
	StatusExpired Status = "expired"
)

// Terminal reports whether s admits no further transition. Active is
// terminal for the signaling session: ownership moves to the media layer.
func (s Status) Terminal() bool {
	switch s {
	case StatusActive, StatusRejected, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Pending reports whether s counts against the one-outgoing-call limit.
func (s Status) Pending() bool {
	return s == StatusInitiating || s == StatusCalling
}

// Direction tells who created the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Snapshot is an immutable copy of a session.
type Snapshot struct {
	ID           string
	LocalPeerID  string
	RemotePeerID string
	Direction    Direction
	CallType     models.CallType
	Status       Status
	Room         string
	CreatedAt    time.Time
	Deadline     time.Time
}

// EventKind names the terminal outcomes surfaced to the UI.
type EventKind string

const (
	EventActive    EventKind = "call active"
	EventRejected  EventKind = "call rejected"
	EventCancelled EventKind = "call cancelled"
	EventTimedOut  EventKind = "call timed out"
)

func eventKindFor(s Status) EventKind {
	switch s {
	case StatusActive:
		return EventActive
	case StatusRejected:
		return EventRejected
	case StatusExpired:
		return EventTimedOut
	default:
		return EventCancelled
	}
}

// Event is published once per session when it reaches a terminal status.
type Event struct {
	Kind    EventKind
	Session Snapshot
}

// parseServerStatus maps a call-status value onto the session machine.
// ok is false for values this client does not know.
func parseServerStatus(raw string) (Status, bool) {
	switch models.CallStatus(raw) {
	case models.CallStatusPending:
		return StatusCalling, true
	case models.CallStatusActive:
		return StatusActive, true
	case models.CallStatusRejected:
		return StatusRejected, true
	case models.CallStatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}
