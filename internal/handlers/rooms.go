package handlers

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/poll-signaling/internal/middleware"
	"github.com/mossy-p/poll-signaling/internal/models"
	"github.com/mossy-p/poll-signaling/internal/redis"
)

const (
	roomCodeLength = 8
	codeChars      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
)

var (
	errRoomNotFound = errors.New("room not found")
	errNotMember    = errors.New("not a member of this room")
	errCallInactive = errors.New("call is not active")
)

// Participants returns the roster of a room.
func (h *Handler) Participants(c *gin.Context) {
	room, userID, ok := h.memberRoom(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	out := make([]models.Participant, 0, len(room.Members))
	for _, member := range room.Members {
		p := models.Participant{
			Name:          member,
			Role:          "user",
			IsCurrentUser: member == userID,
		}
		if profile, err := h.store.Profile(ctx, member); err == nil {
			p.ID = profile.NumericID
			p.Name = profile.Name
			p.Role = profile.Role
		} else if id, err := h.store.NumericID(ctx, member); err == nil {
			p.ID = id
		}
		out = append(out, p)
	}
	c.JSON(http.StatusOK, models.ParticipantsResponse{Participants: out})
}

// Messages returns the feed of a room, oldest first.
func (h *Handler) Messages(c *gin.Context) {
	room, _, ok := h.memberRoom(c)
	if !ok {
		return
	}

	msgs, err := h.store.Messages(c.Request.Context(), room.Name)
	if err != nil {
		h.log.Error().Err(err).Str("room", room.Name).Msg("failed to read messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read messages"})
		return
	}
	c.JSON(http.StatusOK, models.MessagesResponse{Messages: msgs})
}

// PostMessage appends to the feed of a room.
func (h *Handler) PostMessage(c *gin.Context) {
	room, _, ok := h.memberRoom(c)
	if !ok {
		return
	}

	var req models.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, _ := middleware.Profile(c)
	msg, err := h.store.AppendMessage(c.Request.Context(), room.Name, models.ChatMessage{
		UserID:    profile.NumericID,
		UserName:  profile.Name,
		UserRole:  profile.Role,
		Message:   req.Message,
		CreatedAt: h.now(),
	})
	if err != nil {
		h.log.Error().Err(err).Str("room", room.Name).Msg("failed to store message")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store message"})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// memberRoom loads the :room parameter and checks membership. It writes the
// error response itself.
func (h *Handler) memberRoom(c *gin.Context) (*models.RoomMetadata, string, bool) {
	userID, ok := currentUser(c)
	if !ok {
		return nil, "", false
	}
	room, err := h.lookupRoom(c, c.Param("room"), userID)
	if err != nil {
		h.roomError(c, err)
		return nil, "", false
	}
	return room, userID, true
}

func (h *Handler) lookupRoom(c *gin.Context, name, userID string) (*models.RoomMetadata, error) {
	room, err := h.store.Room(c.Request.Context(), name)
	if errors.Is(err, redis.ErrNotFound) {
		return nil, errRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	if !room.HasMember(userID) {
		return nil, errNotMember
	}
	return room, nil
}

// validateRelayRoom checks that userID may join the relay of room: the
// room exists, the user is a member, and its call is active.
func (h *Handler) validateRelayRoom(c *gin.Context, name, userID string) (*models.RoomMetadata, error) {
	room, err := h.lookupRoom(c, name, userID)
	if err != nil {
		return nil, err
	}
	rec, err := h.store.Call(c.Request.Context(), room.CallID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errCallInactive, err)
	}
	if rec.Status != models.CallStatusActive {
		return nil, errCallInactive
	}
	return room, nil
}

func (h *Handler) roomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
	case errors.Is(err, errNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a member of this room"})
	case errors.Is(err, errCallInactive):
		c.JSON(http.StatusConflict, gin.H{"error": "Call is not active"})
	default:
		h.log.Error().Err(err).Msg("failed to load room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
