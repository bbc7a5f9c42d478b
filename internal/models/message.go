package models

// SignalType represents the type of media relay message
type SignalType string

const (
	SignalTypeJoin      SignalType = "join"
	SignalTypeLeave     SignalType = "leave"
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeError     SignalType = "error"
)

// SignalMessage is relayed between the two media endpoints of a call room.
// The payload is opaque to the relay.
type SignalMessage struct {
	Type    SignalType `json:"type"`
	From    string     `json:"from,omitempty"`
	To      string     `json:"to,omitempty"`
	Room    string     `json:"room"`
	Payload any        `json:"payload,omitempty"`
	Error   string     `json:"error,omitempty"`
}
