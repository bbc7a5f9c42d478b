// Package api is the HTTP client for the polling signaling endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mossy-p/poll-signaling/internal/auth"
	"github.com/mossy-p/poll-signaling/internal/models"
)

const (
	defaultTimeout = 10 * time.Second
	beaconTimeout  = 2 * time.Second
	maxErrorBody   = 512
)

var (
	// ErrRateLimited is returned when the server answers HTTP 429.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotImplemented is returned for 404/405/501, e.g. an endpoint the
	// server does not offer yet.
	ErrNotImplemented = errors.New("endpoint not implemented")
	// ErrUnsuccessful is returned when a 2xx body carries success=false.
	ErrUnsuccessful = errors.New("request unsuccessful")
)

// StatusError is a non-2xx response not covered by a sentinel.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Message)
}

// Temporary reports whether retrying may help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds each request. Zero means 10s.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to one signaling server on behalf of one authenticated user.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	http    *http.Client
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{base: base, token: opts.Token, timeout: timeout, http: hc}, nil
}

// Token returns the bearer credential.
func (c *Client) Token() string { return c.token }

// BaseURL returns the server base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// LocalIdentity decodes the caller's own profile from the bearer token.
func (c *Client) LocalIdentity() (models.UserProfile, error) {
	claims, err := auth.ParseUnverified(c.token)
	if err != nil {
		return models.UserProfile{}, err
	}
	return claims.Profile(), nil
}

// CreateCall starts an outgoing call to calleeID.
func (c *Client) CreateCall(ctx context.Context, calleeID string, callType models.CallType) (*models.CreateCallResponse, error) {
	var out models.CreateCallResponse
	req := models.CreateCallRequest{CalleeID: calleeID, CallType: callType}
	if err := c.do(ctx, http.MethodPost, "/api/calls", req, &out); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	if !out.Success || out.CallID == "" {
		return nil, fmt.Errorf("create call: %w", ErrUnsuccessful)
	}
	return &out, nil
}

// CallStatus polls the status of callID.
func (c *Client) CallStatus(ctx context.Context, callID string) (*models.CallStatusView, error) {
	var out models.CallStatusResponse
	if err := c.do(ctx, http.MethodPost, "/api/calls/status", models.CallIDRequest{CallID: callID}, &out); err != nil {
		return nil, fmt.Errorf("call status: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("call status: %w", ErrUnsuccessful)
	}
	return &out.Call, nil
}

// CancelCall asks the server to cancel callID.
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	var out models.SuccessResponse
	if err := c.do(ctx, http.MethodPost, "/api/calls/cancel", models.CallIDRequest{CallID: callID}, &out); err != nil {
		return fmt.Errorf("cancel call: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("cancel call: %w", ErrUnsuccessful)
	}
	return nil
}

// CheckIncoming returns the offer addressed to the caller, or nil.
func (c *Client) CheckIncoming(ctx context.Context) (*models.IncomingCall, error) {
	var out models.CheckIncomingResponse
	if err := c.do(ctx, http.MethodGet, "/api/calls/incoming", nil, &out); err != nil {
		return nil, fmt.Errorf("check incoming: %w", err)
	}
	if !out.HasIncoming || out.IncomingCall == nil {
		return nil, nil
	}
	return out.IncomingCall, nil
}

// AnswerCall accepts or rejects callID. On accept the room name is returned.
func (c *Client) AnswerCall(ctx context.Context, callID string, action models.AnswerAction) (string, error) {
	var out models.AnswerCallResponse
	req := models.AnswerCallRequest{CallID: callID, Action: action}
	if err := c.do(ctx, http.MethodPost, "/api/calls/answer", req, &out); err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}
	if !out.Success {
		return "", fmt.Errorf("answer call: %w", ErrUnsuccessful)
	}
	return out.RoomName, nil
}

// Heartbeat reports the caller's activity.
func (c *Client) Heartbeat(ctx context.Context, kind models.ActivityKind, room string) error {
	var out models.SuccessResponse
	req := models.HeartbeatRequest{ActivityType: kind, Room: room}
	if err := c.do(ctx, http.MethodPost, "/api/presence/heartbeat", req, &out); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("heartbeat: %w", ErrUnsuccessful)
	}
	return nil
}

// Beacon sends a heartbeat without waiting for the outcome. It returns
// immediately; the request may or may not reach the server.
func (c *Client) Beacon(kind models.ActivityKind, room string) {
	body, err := json.Marshal(models.HeartbeatRequest{ActivityType: kind, Room: room})
	if err != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		req, err := c.newRequest(ctx, http.MethodPost, "/api/presence/heartbeat", bytes.NewReader(body))
		if err != nil {
			return
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
}

// RoomParticipants returns the authoritative roster of room.
func (c *Client) RoomParticipants(ctx context.Context, room string) ([]models.Participant, error) {
	var out models.ParticipantsResponse
	if err := c.do(ctx, http.MethodGet, roomPath(room, "participants"), nil, &out); err != nil {
		return nil, fmt.Errorf("room participants: %w", err)
	}
	return out.Participants, nil
}

// RoomMessages returns the message feed of room, oldest first.
func (c *Client) RoomMessages(ctx context.Context, room string) ([]models.ChatMessage, error) {
	var out models.MessagesResponse
	if err := c.do(ctx, http.MethodGet, roomPath(room, "messages"), nil, &out); err != nil {
		return nil, fmt.Errorf("room messages: %w", err)
	}
	return out.Messages, nil
}

// PostMessage appends text to the room feed.
func (c *Client) PostMessage(ctx context.Context, room, text string) (*models.ChatMessage, error) {
	var out models.ChatMessage
	if err := c.do(ctx, http.MethodPost, roomPath(room, "messages"), models.PostMessageRequest{Message: text}, &out); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	return &out, nil
}

func roomPath(room, leaf string) string {
	return "/api/rooms/" + url.PathEscape(room) + "/" + leaf
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		return ErrNotImplemented
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}

// IsTransient reports whether err is worth retrying on the next tick:
// network failures, timeouts, 5xx and rate limits.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	if errors.Is(err, ErrNotImplemented) || errors.Is(err, ErrUnsuccessful) {
		return false
	}
	return true
}
