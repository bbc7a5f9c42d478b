package models

import "time"

// CallStatus is the status of a call as stored and reported by the server.
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusActive    CallStatus = "active"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusCancelled CallStatus = "cancelled"
)

// Terminal reports whether no further server-side transition is possible.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusActive, CallStatusRejected, CallStatusCancelled:
		return true
	}
	return false
}

// CallType is the media kind requested by the caller.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// AnswerAction is the callee's decision on an incoming call.
type AnswerAction string

const (
	AnswerAccept AnswerAction = "accept"
	AnswerReject AnswerAction = "reject"
)

// CallRecord is the server's copy of a call.
type CallRecord struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"caller_id"`
	CalleeID  string     `json:"callee_id"`
	CallType  CallType   `json:"call_type"`
	Status    CallStatus `json:"status"`
	RoomName  string     `json:"room_name"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CreateCallRequest is the body of create-call.
type CreateCallRequest struct {
	CalleeID string   `json:"callee_id" binding:"required"`
	CallType CallType `json:"call_type"`
}

// CreateCallResponse is returned by create-call.
type CreateCallResponse struct {
	Success  bool   `json:"success"`
	CallID   string `json:"call_id"`
	RoomName string `json:"room_name"`
}

// CallIDRequest is the body of call-status and call-cancel.
type CallIDRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

// CallStatusView is the nested call object of a call-status response.
// Status is a plain string so unknown future values survive decoding.
type CallStatusView struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	RoomName string `json:"room_name,omitempty"`
}

// CallStatusResponse is returned by call-status.
type CallStatusResponse struct {
	Success bool           `json:"success"`
	Call    CallStatusView `json:"call"`
}

// SuccessResponse is the minimal body of call-cancel and heartbeat.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// IncomingCall describes an offer addressed to the requesting user.
type IncomingCall struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	CallType  CallType  `json:"call_type"`
	StartedAt time.Time `json:"started_at"`
}

// CheckIncomingResponse is returned by check-incoming.
type CheckIncomingResponse struct {
	HasIncoming  bool          `json:"has_incoming"`
	IncomingCall *IncomingCall `json:"incoming_call,omitempty"`
}

// AnswerCallRequest is the body of answer-call.
type AnswerCallRequest struct {
	CallID string       `json:"call_id" binding:"required"`
	Action AnswerAction `json:"action" binding:"required,oneof=accept reject"`
}

// AnswerCallResponse is returned by answer-call; RoomName is set on accept.
type AnswerCallResponse struct {
	Success  bool   `json:"success"`
	RoomName string `json:"room_name,omitempty"`
}
