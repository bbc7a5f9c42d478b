package models

// ActivityKind is what a client declares it is doing in a heartbeat.
type ActivityKind string

const (
	ActivityBrowsing     ActivityKind = "browsing"
	ActivitySearching    ActivityKind = "searching"
	ActivityIdle         ActivityKind = "idle"
	ActivityInCallCaller ActivityKind = "in_call_caller"
	ActivityInCallCallee ActivityKind = "in_call_callee"
)

// Valid reports whether k is one of the known kinds.
func (k ActivityKind) Valid() bool {
	switch k {
	case ActivityBrowsing, ActivitySearching, ActivityIdle, ActivityInCallCaller, ActivityInCallCallee:
		return true
	}
	return false
}

// IsAvailable reports whether a peer declaring k can be matched into a new call.
func (k ActivityKind) IsAvailable() bool {
	switch k {
	case ActivityBrowsing, ActivitySearching, ActivityIdle:
		return true
	}
	return false
}

// HeartbeatRequest is the body of the heartbeat endpoint.
type HeartbeatRequest struct {
	ActivityType ActivityKind `json:"activity_type" binding:"required"`
	Room         string       `json:"room,omitempty"`
}

// PresenceEntry is one user's last declared activity.
type PresenceEntry struct {
	UserID       string       `json:"user_id"`
	ActivityType ActivityKind `json:"activity_type"`
	Room         string       `json:"room,omitempty"`
	LastSeen     int64        `json:"last_seen"`
}

// AvailableResponse lists users whose last heartbeat declared an available activity.
type AvailableResponse struct {
	Users []string `json:"users"`
}
