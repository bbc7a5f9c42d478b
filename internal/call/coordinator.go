// Package call implements the polling call-signaling state machine.
//
// A Coordinator owns every session of one client process. It guarantees
// that at most one outgoing session is pending at a time and publishes each
// terminal outcome exactly once on its Events channel.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/models"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 35 * time.Second
	// MaxTimeout is the longest deadline accepted for slow accept paths.
	MaxTimeout = 45 * time.Second

	eventBuffer = 16
	// ownIDMemory bounds how many past outgoing call ids are remembered for
	// self-offer suppression.
	ownIDMemory = 32
)

var (
	// ErrCallInProgress is returned by Initiate while another outgoing call
	// is still initiating or calling.
	ErrCallInProgress = errors.New("an outgoing call is already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("call coordinator closed")
)

type Config struct {
	LocalPeerID  string
	PollInterval time.Duration
	// Timeout is the wall-clock budget of an outgoing call, clamped to
	// MaxTimeout.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Coordinator owns the call sessions of one process.
type Coordinator struct {
	sig    Signaler
	cfg    Config
	log    zerolog.Logger
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	outgoing *Session
	sessions map[string]*Session
	ownIDs   []string
	closed   bool
}

func NewCoordinator(sig Signaler, cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		sig:      sig,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "call").Logger(),
		events:   make(chan Event, eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Events delivers one Event per session that reaches a terminal status.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// LocalPeerID returns the id of the local user.
func (c *Coordinator) LocalPeerID() string {
	return c.cfg.LocalPeerID
}

// Initiate places an outgoing call to remotePeerID. The returned session is
// already calling and polls in the background until it is terminal.
func (c *Coordinator) Initiate(ctx context.Context, remotePeerID string, callType models.CallType) (*Session, error) {
	now := time.Now()
	snap := Snapshot{
		LocalPeerID:  c.cfg.LocalPeerID,
		RemotePeerID: remotePeerID,
		Direction:    DirectionOutgoing,
		CallType:     callType,
		Status:       StatusInitiating,
		CreatedAt:    now,
		Deadline:     now.Add(c.cfg.Timeout),
	}
	s := newSession(c.sig, c.log, snap, c.cfg.PollInterval, c.onTerminal)

	// Check and claim the outgoing slot in one critical section.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.outgoing != nil && c.outgoing.Status().Pending() {
		c.mu.Unlock()
		return nil, ErrCallInProgress
	}
	c.outgoing = s
	c.mu.Unlock()

	resp, err := c.sig.CreateCall(ctx, remotePeerID, callType)
	if err != nil {
		c.release(s)
		s.silence()
		s.finish(StatusCancelled, "")
		return nil, fmt.Errorf("initiate call: %w", err)
	}

	c.mu.Lock()
	c.sessions[resp.CallID] = s
	c.rememberOwnID(resp.CallID)
	c.mu.Unlock()

	if !s.begin(resp.CallID, resp.RoomName) {
		// Cancelled (locally or by Close) while create-call was in flight.
		// onTerminal ran before the id was known, so drop the entry here.
		c.mu.Lock()
		if c.sessions[resp.CallID] == s {
			delete(c.sessions, resp.CallID)
		}
		c.mu.Unlock()
		s.sendCancel()
		return s, nil
	}

	c.log.Info().
		Str("call_id", resp.CallID).
		Str("room", resp.RoomName).
		Str("remote", remotePeerID).
		Msg("calling")

	s.startPolling(c.ctx)
	return s, nil
}

// Incoming wraps an offer addressed to the local peer into a session in the
// calling state. Answer it with Session.Answer.
func (c *Coordinator) Incoming(offer models.IncomingCall) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if s, ok := c.sessions[offer.ID]; ok {
		return s, nil
	}

	now := time.Now()
	s := newSession(c.sig, c.log, Snapshot{
		ID:           offer.ID,
		LocalPeerID:  c.cfg.LocalPeerID,
		RemotePeerID: offer.Caller,
		Direction:    DirectionIncoming,
		CallType:     offer.CallType,
		Status:       StatusCalling,
		CreatedAt:    now,
		Deadline:     now.Add(c.cfg.Timeout),
	}, c.cfg.PollInterval, c.onTerminal)
	c.sessions[offer.ID] = s
	return s, nil
}

// Withdraw ends an unanswered incoming session because the server no
// longer reports its offer.
func (c *Coordinator) Withdraw(callID string) bool {
	c.mu.Lock()
	s, ok := c.sessions[callID]
	c.mu.Unlock()
	if !ok || s.Snapshot().Direction != DirectionIncoming {
		return false
	}
	return s.withdraw()
}

// Session returns a tracked session by id.
func (c *Coordinator) Session(callID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[callID]
	return s, ok
}

// OutgoingPending reports whether an outgoing call is initiating or calling,
// and its id (empty while initiating).
func (c *Coordinator) OutgoingPending() (string, bool) {
	c.mu.Lock()
	s := c.outgoing
	c.mu.Unlock()
	if s == nil {
		return "", false
	}
	snap := s.Snapshot()
	return snap.ID, snap.Status.Pending()
}

// IsOwnCall reports whether callID was created by this process.
func (c *Coordinator) IsOwnCall(callID string) bool {
	if callID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.ownIDs {
		if id == callID {
			return true
		}
	}
	return false
}

func (c *Coordinator) rememberOwnID(id string) {
	c.ownIDs = append(c.ownIDs, id)
	if len(c.ownIDs) > ownIDMemory {
		c.ownIDs = c.ownIDs[len(c.ownIDs)-ownIDMemory:]
	}
}

func (c *Coordinator) release(s *Session) {
	c.mu.Lock()
	if c.outgoing == s {
		c.outgoing = nil
	}
	c.mu.Unlock()
}

func (c *Coordinator) onTerminal(s *Session, snap Snapshot) {
	c.mu.Lock()
	if snap.ID != "" {
		delete(c.sessions, snap.ID)
	}
	if c.outgoing == s {
		c.outgoing = nil
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	ev := Event{Kind: eventKindFor(snap.Status), Session: snap}
	select {
	case c.events <- ev:
	default:
		c.log.Warn().Str("call_id", snap.ID).Str("event", string(ev.Kind)).Msg("event buffer full, dropping")
	}
}

// Close cancels every non-terminal session (best-effort) and stops all
// polling. Outcomes caused by Close are not published.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*Session, 0, len(c.sessions)+1)
	for _, s := range c.sessions {
		pending = append(pending, s)
	}
	if c.outgoing != nil && c.outgoing.ID() == "" {
		pending = append(pending, c.outgoing)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range pending {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Cancel()
		}(s)
	}
	wg.Wait()
	c.cancel()
}
