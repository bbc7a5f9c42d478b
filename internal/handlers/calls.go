package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/poll-signaling/internal/models"
	"github.com/mossy-p/poll-signaling/internal/redis"
)

// CreateCall starts a pending call from the authenticated user.
func (h *Handler) CreateCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.CalleeID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Cannot call yourself"})
		return
	}
	switch req.CallType {
	case "":
		req.CallType = models.CallTypeAudio
	case models.CallTypeAudio, models.CallTypeVideo:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown call type"})
		return
	}

	now := h.now()
	rec := models.CallRecord{
		ID:        uuid.New().String(),
		CallerID:  userID,
		CalleeID:  req.CalleeID,
		CallType:  req.CallType,
		Status:    models.CallStatusPending,
		RoomName:  "room-" + generateRoomCode(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateCall(c.Request.Context(), rec, h.cfg.Calls.RecordTTL, h.cfg.Calls.RingTimeout); err != nil {
		h.log.Error().Err(err).Msg("failed to store call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create call"})
		return
	}

	h.log.Info().
		Str("call_id", rec.ID).
		Str("caller", rec.CallerID).
		Str("callee", rec.CalleeID).
		Msg("call created")

	c.JSON(http.StatusOK, models.CreateCallResponse{
		Success:  true,
		CallID:   rec.ID,
		RoomName: rec.RoomName,
	})
}

// CallStatus reports a call to either of its parties.
func (h *Handler) CallStatus(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.CallIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, ok := h.loadCall(c, req.CallID)
	if !ok {
		return
	}
	if rec.CallerID != userID && rec.CalleeID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not a party of this call"})
		return
	}

	view := models.CallStatusView{ID: rec.ID, Status: string(rec.Status)}
	if rec.Status == models.CallStatusActive {
		view.RoomName = rec.RoomName
	}
	c.JSON(http.StatusOK, models.CallStatusResponse{Success: true, Call: view})
}

// CancelCall withdraws a pending call. Cancelling an already cancelled call
// succeeds again.
func (h *Handler) CancelCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.CallIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, ok := h.loadCall(c, req.CallID)
	if !ok {
		return
	}
	if rec.CallerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the caller can cancel"})
		return
	}

	cur, err := h.store.TransitionCall(c.Request.Context(), rec.ID, models.CallStatusCancelled, h.cfg.Calls.RecordTTL)
	switch {
	case err == nil:
		h.log.Info().Str("call_id", rec.ID).Msg("call cancelled by caller")
	case errors.Is(err, redis.ErrConflict) && cur != nil && cur.Status == models.CallStatusCancelled:
	case errors.Is(err, redis.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Call is no longer pending"})
		return
	default:
		h.log.Error().Err(err).Str("call_id", rec.ID).Msg("failed to cancel call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel call"})
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// CheckIncoming returns the pending offer addressed to the user, if any.
func (h *Handler) CheckIncoming(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	id, err := h.store.IncomingCallID(ctx, userID)
	if errors.Is(err, redis.ErrNotFound) {
		c.JSON(http.StatusOK, models.CheckIncomingResponse{HasIncoming: false})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("failed to read incoming call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to check incoming calls"})
		return
	}

	rec, err := h.store.Call(ctx, id)
	if err == nil {
		rec = h.expireStale(c, rec)
	}
	if err != nil || rec.Status != models.CallStatusPending {
		c.JSON(http.StatusOK, models.CheckIncomingResponse{HasIncoming: false})
		return
	}

	c.JSON(http.StatusOK, models.CheckIncomingResponse{
		HasIncoming: true,
		IncomingCall: &models.IncomingCall{
			ID:        rec.ID,
			Caller:    rec.CallerID,
			CallType:  rec.CallType,
			StartedAt: rec.CreatedAt,
		},
	})
}

// AnswerCall lets the callee accept or reject a pending call. Accepting
// opens the call room; the room is dropped again if the call stopped being
// pending in the meantime.
func (h *Handler) AnswerCall(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.AnswerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, ok := h.loadCall(c, req.CallID)
	if !ok {
		return
	}
	if rec.CalleeID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the callee can answer"})
		return
	}
	if rec.Status != models.CallStatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "Call is no longer pending"})
		return
	}

	ctx := c.Request.Context()
	to := models.CallStatusRejected
	if req.Action == models.AnswerAccept {
		to = models.CallStatusActive
		room := models.RoomMetadata{
			Name:      rec.RoomName,
			CallID:    rec.ID,
			Members:   []string{rec.CallerID, rec.CalleeID},
			CreatedAt: h.now(),
		}
		if err := h.store.CreateRoom(ctx, room); err != nil {
			h.log.Error().Err(err).Str("call_id", rec.ID).Msg("failed to create room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to answer call"})
			return
		}
	}

	if _, err := h.store.TransitionCall(ctx, rec.ID, to, h.cfg.Calls.RecordTTL); err != nil {
		if to == models.CallStatusActive {
			if derr := h.store.DeleteRoom(ctx, rec.RoomName); derr != nil {
				h.log.Warn().Err(derr).Str("room", rec.RoomName).Msg("failed to drop room of unanswered call")
			}
		}
		if errors.Is(err, redis.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Call is no longer pending"})
			return
		}
		h.log.Error().Err(err).Str("call_id", rec.ID).Msg("failed to answer call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to answer call"})
		return
	}

	h.log.Info().Str("call_id", rec.ID).Str("status", string(to)).Msg("call answered")

	resp := models.AnswerCallResponse{Success: true}
	if to == models.CallStatusActive {
		resp.RoomName = rec.RoomName
	}
	c.JSON(http.StatusOK, resp)
}

// loadCall fetches a call and applies the ring timeout. It writes the error
// response itself.
func (h *Handler) loadCall(c *gin.Context, id string) (*models.CallRecord, bool) {
	rec, err := h.store.Call(c.Request.Context(), id)
	if errors.Is(err, redis.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return nil, false
	}
	if err != nil {
		h.log.Error().Err(err).Str("call_id", id).Msg("failed to load call")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load call"})
		return nil, false
	}
	return h.expireStale(c, rec), true
}

// expireStale cancels a call that stayed pending past the ring timeout.
func (h *Handler) expireStale(c *gin.Context, rec *models.CallRecord) *models.CallRecord {
	if rec.Status != models.CallStatusPending || h.now().Sub(rec.CreatedAt) <= h.cfg.Calls.RingTimeout {
		return rec
	}
	cur, err := h.store.TransitionCall(c.Request.Context(), rec.ID, models.CallStatusCancelled, h.cfg.Calls.RecordTTL)
	if err != nil && !errors.Is(err, redis.ErrConflict) {
		h.log.Warn().Err(err).Str("call_id", rec.ID).Msg("failed to expire call")
		return rec
	}
	if err == nil {
		h.log.Info().Str("call_id", rec.ID).Msg("call rang out")
	}
	if cur == nil {
		return rec
	}
	return cur
}
