// Package media hands an active call over to the media transport.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/models"
)

const writeWait = 10 * time.Second

// Joiner takes over a room once its call is active.
type Joiner interface {
	Join(ctx context.Context, room, token string) error
}

// RelayJoiner joins the websocket relay of the signaling server and stays
// connected until ctx ends or the server hangs up.
type RelayJoiner struct {
	base   *url.URL
	dialer *websocket.Dialer
	log    zerolog.Logger

	// OnMessage, when set, receives every relayed message.
	OnMessage func(models.SignalMessage)

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewRelayJoiner derives the relay endpoint from the HTTP API base URL.
func NewRelayJoiner(base *url.URL, logger zerolog.Logger) *RelayJoiner {
	return &RelayJoiner{
		base:   base,
		dialer: websocket.DefaultDialer,
		log:    logger.With().Str("component", "media").Logger(),
	}
}

func (j *RelayJoiner) endpoint(room string) string {
	u := *j.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/signal/" + room
	u.RawPath = "/ws/signal/" + url.PathEscape(room)
	u.RawQuery = ""
	return u.String()
}

func (j *RelayJoiner) Join(ctx context.Context, room, token string) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := j.dialer.DialContext(ctx, j.endpoint(room), header)
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	j.mu.Lock()
	j.conn = conn
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.conn = nil
		j.mu.Unlock()
		conn.Close()
	}()

	j.log.Info().Str("room", room).Msg("joined media relay")

	readErr := make(chan error, 1)
	go func() {
		for {
			var msg models.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			if j.OnMessage != nil {
				j.OnMessage(msg)
			}
		}
	}()

	select {
	case <-ctx.Done():
		j.mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		j.mu.Unlock()
		j.log.Info().Str("room", room).Msg("left media relay")
		return nil
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil
		}
		return fmt.Errorf("relay connection lost: %w", err)
	}
}

// ErrNotJoined is returned by Send outside of Join.
var ErrNotJoined = errors.New("not joined to a relay room")

// Send relays msg to the other endpoint of the current room.
func (j *RelayJoiner) Send(msg models.SignalMessage) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.conn == nil {
		return ErrNotJoined
	}
	j.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return j.conn.WriteJSON(msg)
}
