package models

import "time"

// RoomMetadata stores information about a call room
type RoomMetadata struct {
	Name      string    `json:"name"`
	CallID    string    `json:"callId"`  // Call that opened the room
	Members   []string  `json:"members"` // User IDs allowed into the room
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID may join the room.
func (r *RoomMetadata) HasMember(userID string) bool {
	for _, m := range r.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// Participant is one entry of the room roster.
type Participant struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role"`
	IsCurrentUser bool   `json:"is_current_user"`
}

// ParticipantsResponse is returned by room-participants.
type ParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}

// ChatMessage is one entry of the room message feed.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	UserRole  string    `json:"user_role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// MessagesResponse is returned by room-messages.
type MessagesResponse struct {
	Messages []ChatMessage `json:"messages"`
}

// PostMessageRequest is the body for posting into a room feed.
type PostMessageRequest struct {
	Message string `json:"message" binding:"required,max=2000"`
}

// UserProfile is what the server knows about an authenticated user.
type UserProfile struct {
	UserID    string `json:"user_id"`
	NumericID int64  `json:"uid"`
	Name      string `json:"name"`
	Role      string `json:"role"`
}
