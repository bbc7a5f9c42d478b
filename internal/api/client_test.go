package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mossy-p/poll-signaling/internal/auth"
	"github.com/mossy-p/poll-signaling/internal/models"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Token: "tok", Timeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestCreateCall_SendsBearerAndDecodes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/calls" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization=%q", got)
		}
		var req models.CreateCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.CalleeID != "bob" || req.CallType != models.CallTypeVideo {
			t.Errorf("unexpected body %+v", req)
		}
		json.NewEncoder(w).Encode(models.CreateCallResponse{Success: true, CallID: "77", RoomName: "room77"})
	}))

	resp, err := c.CreateCall(context.Background(), "bob", models.CallTypeVideo)
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if resp.CallID != "77" || resp.RoomName != "room77" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCreateCall_SuccessFalse(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	}))
	if _, err := c.CreateCall(context.Background(), "bob", models.CallTypeAudio); !errors.Is(err, ErrUnsuccessful) {
		t.Fatalf("err=%v, want ErrUnsuccessful", err)
	}
}

func TestCallStatus_UnknownStatusSurvivesDecoding(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"call":{"id":"1","status":"ringing_v2"}}`))
	}))
	view, err := c.CallStatus(context.Background(), "1")
	if err != nil {
		t.Fatalf("CallStatus: %v", err)
	}
	if view.Status != "ringing_v2" {
		t.Fatalf("Status=%q", view.Status)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code      int
		body      string
		sentinel  error
		transient bool
	}{
		{http.StatusTooManyRequests, "", ErrRateLimited, true},
		{http.StatusNotFound, "", ErrNotImplemented, false},
		{http.StatusNotImplemented, "", ErrNotImplemented, false},
		{http.StatusBadGateway, `{"error":"upstream"}`, nil, true},
		{http.StatusBadRequest, `{"error":"bad"}`, nil, false},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			w.Write([]byte(tc.body))
		}))
		err := c.Heartbeat(context.Background(), models.ActivityIdle, "")
		if err == nil {
			t.Fatalf("code %d: expected error", tc.code)
		}
		if tc.sentinel != nil && !errors.Is(err, tc.sentinel) {
			t.Errorf("code %d: err=%v, want %v", tc.code, err, tc.sentinel)
		}
		if tc.sentinel == nil {
			var se *StatusError
			if !errors.As(err, &se) || se.Code != tc.code {
				t.Errorf("code %d: err=%v, want StatusError", tc.code, err)
			}
		}
		if got := IsTransient(err); got != tc.transient {
			t.Errorf("code %d: IsTransient=%v, want %v", tc.code, got, tc.transient)
		}
	}
}

func TestIsTransient_NetworkError(t *testing.T) {
	c, err := New(Options{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.CheckIncoming(context.Background())
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !IsTransient(err) {
		t.Fatalf("network error should be transient: %v", err)
	}
}

func TestCheckIncoming(t *testing.T) {
	has := true
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/calls/incoming" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if has {
			w.Write([]byte(`{"has_incoming":true,"incoming_call":{"id":"12","caller":"alice","call_type":"video"}}`))
			return
		}
		w.Write([]byte(`{"has_incoming":false}`))
	}))

	offer, err := c.CheckIncoming(context.Background())
	if err != nil {
		t.Fatalf("CheckIncoming: %v", err)
	}
	if offer == nil || offer.ID != "12" || offer.Caller != "alice" {
		t.Fatalf("unexpected offer %+v", offer)
	}

	has = false
	offer, err = c.CheckIncoming(context.Background())
	if err != nil || offer != nil {
		t.Fatalf("offer=%+v err=%v, want nil/nil", offer, err)
	}
}

func TestRoomEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/rooms/room-1/participants", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"participants":[{"id":1,"name":"Alice","role":"caller","is_current_user":true},{"id":2,"name":"Bob","role":"callee"}]}`))
	})
	mux.HandleFunc("/api/rooms/room-1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id":"m2","user_id":1,"user_name":"Alice","message":"hi"}`))
			return
		}
		w.Write([]byte(`{"messages":[{"id":"m1","user_id":2,"user_name":"Bob","user_role":"callee","message":"yo"}]}`))
	})
	c := newTestClient(t, mux)

	parts, err := c.RoomParticipants(context.Background(), "room-1")
	if err != nil || len(parts) != 2 || parts[1].Name != "Bob" {
		t.Fatalf("participants=%+v err=%v", parts, err)
	}
	msgs, err := c.RoomMessages(context.Background(), "room-1")
	if err != nil || len(msgs) != 1 || msgs[0].UserName != "Bob" {
		t.Fatalf("messages=%+v err=%v", msgs, err)
	}
	posted, err := c.PostMessage(context.Background(), "room-1", "hi")
	if err != nil || posted.ID != "m2" {
		t.Fatalf("posted=%+v err=%v", posted, err)
	}
}

func TestBeacon_DeliversWithoutBlocking(t *testing.T) {
	got := make(chan models.HeartbeatRequest, 1)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.HeartbeatRequest
		json.NewDecoder(r.Body).Decode(&req)
		got <- req
	}))

	c.Beacon(models.ActivityBrowsing, "")

	select {
	case req := <-got:
		if req.ActivityType != models.ActivityBrowsing {
			t.Fatalf("ActivityType=%q", req.ActivityType)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("beacon never arrived")
	}
}

func TestLocalIdentity(t *testing.T) {
	token, err := auth.Issue("s", models.UserProfile{UserID: "alice", NumericID: 3, Name: "Alice", Role: "caller"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	c, err := New(Options{BaseURL: "http://example.invalid", Token: token})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p, err := c.LocalIdentity()
	if err != nil {
		t.Fatalf("LocalIdentity: %v", err)
	}
	if p.UserID != "alice" || p.NumericID != 3 || p.Name != "Alice" {
		t.Fatalf("profile=%+v", p)
	}
}

func TestNew_RejectsBadScheme(t *testing.T) {
	if _, err := New(Options{BaseURL: "ftp://x"}); err == nil {
		t.Fatalf("expected error for ftp scheme")
	}
}
