package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/models"
	"github.com/mossy-p/poll-signaling/internal/redis"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub tracks the relay connections of every call room.
type Hub struct {
	store *redis.Store
	log   zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

func newHub(store *redis.Store, log zerolog.Logger) *Hub {
	return &Hub{
		store: store,
		log:   log.With().Str("component", "relay").Logger(),
		rooms: make(map[string]*Room),
	}
}

// Room manages the relay peers of one call room
type Room struct {
	ID    string
	Peers map[string]*Client
	mu    sync.RWMutex
}

// Client represents a WebSocket client connection
type Client struct {
	ID     string
	UserID string
	RoomID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// HandleSignaling relays offer/answer/candidate messages between the two
// parties of an active call.
func (h *Handler) HandleSignaling(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	roomName := c.Param("room")
	room, err := h.validateRelayRoom(c, roomName, userID)
	if err != nil {
		h.roomError(c, err)
		return
	}
	if h.hub.peerCount(roomName) >= len(room.Members) {
		c.JSON(http.StatusConflict, gin.H{"error": "Room is full"})
		return
	}

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		RoomID: roomName,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}
	h.hub.join(client)

	go client.writePump(h.hub.log)
	go h.hub.readPump(client)
}

// join adds client to its room, creating the room on first use. The hub
// lock is held throughout so a concurrent leave cannot drop the room.
func (hub *Hub) join(client *Client) {
	hub.mu.Lock()
	room, exists := hub.rooms[client.RoomID]
	if !exists {
		room = &Room{
			ID:    client.RoomID,
			Peers: make(map[string]*Client),
		}
		hub.rooms[client.RoomID] = room
		hub.log.Debug().Str("room", client.RoomID).Msg("relay room opened")
	}
	room.mu.Lock()
	room.Peers[client.ID] = client
	count := len(room.Peers)
	room.mu.Unlock()
	hub.mu.Unlock()

	if err := hub.store.AddPeer(context.Background(), client.RoomID, client.ID); err != nil {
		hub.log.Warn().Err(err).Str("room", client.RoomID).Msg("failed to record peer")
	}

	hub.log.Info().
		Str("peer", client.ID).
		Str("user_id", client.UserID).
		Str("room", client.RoomID).
		Int("peers", count).
		Msg("peer joined")

	joinMsg := models.SignalMessage{Type: models.SignalTypeJoin, From: client.ID, Room: client.RoomID}
	client.sendMessage(hub.log, joinMsg)
	room.broadcastMessage(hub.log, joinMsg, client.ID)
}

func (hub *Hub) leave(client *Client) {
	hub.mu.Lock()
	room, ok := hub.rooms[client.RoomID]
	if ok {
		room.mu.Lock()
		delete(room.Peers, client.ID)
		empty := len(room.Peers) == 0
		room.mu.Unlock()
		// Clean up room if empty
		if empty {
			delete(hub.rooms, client.RoomID)
			hub.log.Debug().Str("room", client.RoomID).Msg("relay room closed")
		}
	}
	hub.mu.Unlock()

	if err := hub.store.RemovePeer(context.Background(), client.RoomID, client.ID); err != nil {
		hub.log.Warn().Err(err).Str("room", client.RoomID).Msg("failed to remove peer")
	}
	if ok {
		room.broadcastMessage(hub.log, models.SignalMessage{
			Type: models.SignalTypeLeave,
			From: client.ID,
			Room: client.RoomID,
		}, client.ID)
	}
	hub.log.Info().Str("peer", client.ID).Str("room", client.RoomID).Msg("peer left")
}

// peerCount returns the live relay connections of a room.
func (hub *Hub) peerCount(roomID string) int {
	hub.mu.RLock()
	room, ok := hub.rooms[roomID]
	hub.mu.RUnlock()
	if !ok {
		return 0
	}
	room.mu.RLock()
	defer room.mu.RUnlock()
	return len(room.Peers)
}

func (r *Room) broadcastMessage(log zerolog.Logger, msg models.SignalMessage, excludePeerID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for peerID, client := range r.Peers {
		if peerID == excludePeerID {
			continue
		}
		select {
		case client.Send <- data:
		default:
			log.Warn().Str("peer", peerID).Msg("send buffer full")
		}
	}
}

func (r *Room) sendToClient(log zerolog.Logger, msg models.SignalMessage, targetPeerID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.Peers[targetPeerID]
	if !exists {
		log.Debug().Str("peer", targetPeerID).Str("room", r.ID).Msg("target peer not found")
		return
	}
	client.sendMessage(log, msg)
}

func (hub *Hub) readPump(c *Client) {
	defer func() {
		hub.leave(c)
		close(c.Send)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				hub.log.Warn().Err(err).Str("peer", c.ID).Msg("websocket error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			hub.log.Debug().Err(err).Str("peer", c.ID).Msg("failed to parse message")
			continue
		}

		// Set the sender
		msg.From = c.ID
		msg.Room = c.RoomID

		hub.mu.RLock()
		room := hub.rooms[c.RoomID]
		hub.mu.RUnlock()
		if room == nil {
			return
		}

		switch msg.Type {
		case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
			if msg.To != "" {
				room.sendToClient(hub.log, msg, msg.To)
			} else {
				room.broadcastMessage(hub.log, msg, c.ID)
			}
		default:
			c.sendMessage(hub.log, models.SignalMessage{
				Type:  models.SignalTypeError,
				Room:  c.RoomID,
				Error: "unknown message type: " + string(msg.Type),
			})
		}
	}
}

func (c *Client) writePump(log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("peer", c.ID).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) sendMessage(log zerolog.Logger, msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message")
		return
	}

	select {
	case c.Send <- data:
	default:
		log.Warn().Str("peer", c.ID).Msg("send buffer full")
	}
}
