package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/models"
)

func relayServer(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		if r.URL.Path != "/ws/signal/room77" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteJSON(models.SignalMessage{Type: models.SignalTypeJoin, From: "peer-b", Room: "room77"})
		for {
			var msg models.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			msg.From = "peer-b"
			conn.WriteJSON(msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayJoiner_JoinSendLeave(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := relayServer(t, gotAuth)
	base, _ := url.Parse(srv.URL)

	j := NewRelayJoiner(base, zerolog.Nop())
	received := make(chan models.SignalMessage, 4)
	j.OnMessage = func(m models.SignalMessage) { received <- m }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	joined := make(chan error, 1)
	go func() { joined <- j.Join(ctx, "room77", "tok") }()

	select {
	case m := <-received:
		if m.Type != models.SignalTypeJoin {
			t.Fatalf("first message=%q, want join", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no join message")
	}
	if auth := <-gotAuth; auth != "Bearer tok" {
		t.Fatalf("Authorization=%q", auth)
	}

	if err := j.Send(models.SignalMessage{Type: models.SignalTypeOffer, Room: "room77", Payload: "sdp"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case m := <-received:
		if m.Type != models.SignalTypeOffer || m.From != "peer-b" {
			t.Fatalf("unexpected echo %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no echo")
	}

	cancel()
	select {
	case err := <-joined:
		if err != nil {
			t.Fatalf("Join returned %v after hangup", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Join did not return after cancel")
	}

	if err := j.Send(models.SignalMessage{Type: models.SignalTypeOffer}); err != ErrNotJoined {
		t.Fatalf("Send after leave err=%v, want ErrNotJoined", err)
	}
}

func TestRelayJoiner_UnknownRoom(t *testing.T) {
	srv := relayServer(t, make(chan string, 1))
	base, _ := url.Parse(srv.URL)

	err := NewRelayJoiner(base, zerolog.Nop()).Join(context.Background(), "nope", "")
	if err == nil {
		t.Fatalf("expected dial error for unknown room")
	}
}

func TestRelayJoiner_Endpoint(t *testing.T) {
	base, _ := url.Parse("https://calls.example.com/api?x=1")
	j := NewRelayJoiner(base, zerolog.Nop())
	if got := j.endpoint("room 1"); got != "wss://calls.example.com/ws/signal/room%201" {
		t.Fatalf("endpoint=%q", got)
	}
}
