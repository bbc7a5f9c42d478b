package handlers

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mossy-p/poll-signaling/internal/models"
)

// limiterSet holds one token bucket per user.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst < 1 {
		burst = 1
	}
	return &limiterSet{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterSet) get(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[userID] = l
	}
	return l
}

// Heartbeat records the user's declared activity. Reports beyond the
// per-user rate are refused with 429.
func (h *Handler) Heartbeat(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.ActivityType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown activity type"})
		return
	}

	lim := h.limiters.get(userID)
	if !lim.AllowN(h.now(), 1) {
		if h.cfg.Presence.Rate > 0 {
			c.Header("Retry-After", strconv.Itoa(int(1/h.cfg.Presence.Rate)+1))
		}
		h.log.Debug().Str("user_id", userID).Msg("heartbeat rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many heartbeats"})
		return
	}

	entry := models.PresenceEntry{
		UserID:       userID,
		ActivityType: req.ActivityType,
		Room:         req.Room,
		LastSeen:     h.now().Unix(),
	}
	if err := h.store.RecordPresence(c.Request.Context(), entry, h.cfg.Presence.TTL); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("failed to record presence")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record presence"})
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse{Success: true})
}

// Available lists other users that can currently be called.
func (h *Handler) Available(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	users, err := h.store.Available(c.Request.Context(), h.cfg.Presence.TTL)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list available users")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list users"})
		return
	}

	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != userID {
			out = append(out, u)
		}
	}
	c.JSON(http.StatusOK, models.AvailableResponse{Users: out})
}
