package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/api"
	"github.com/mossy-p/poll-signaling/internal/models"
)

// cancelTimeout bounds best-effort cancellation requests.
const cancelTimeout = 5 * time.Second

var (
	// ErrSessionClosed is returned when acting on a terminal session.
	ErrSessionClosed = errors.New("call session already finished")
	// ErrOfferGone is returned when answering an offer the server no longer has.
	ErrOfferGone = errors.New("offer no longer available")
	// ErrWrongDirection is returned by Answer on an outgoing session.
	ErrWrongDirection = errors.New("only incoming calls can be answered")
)

// Signaler is the slice of the signaling API a session needs.
// *api.Client satisfies it.
type Signaler interface {
	CreateCall(ctx context.Context, calleeID string, callType models.CallType) (*models.CreateCallResponse, error)
	CallStatus(ctx context.Context, callID string) (*models.CallStatusView, error)
	CancelCall(ctx context.Context, callID string) error
	AnswerCall(ctx context.Context, callID string, action models.AnswerAction) (string, error)
}

// Session is one outgoing or incoming call attempt. All methods are safe
// for concurrent use; once terminal, a session never changes again.
type Session struct {
	sig          Signaler
	log          zerolog.Logger
	pollInterval time.Duration

	mu          sync.Mutex
	snap        Snapshot
	expiry      *time.Timer
	stopPolling context.CancelFunc

	done       chan struct{}
	onTerminal func(*Session, Snapshot)
}

func newSession(sig Signaler, log zerolog.Logger, snap Snapshot, pollInterval time.Duration, onTerminal func(*Session, Snapshot)) *Session {
	return &Session{
		sig:          sig,
		log:          log,
		pollInterval: pollInterval,
		snap:         snap,
		done:         make(chan struct{}),
		onTerminal:   onTerminal,
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// ID returns the server-assigned id, empty while initiating.
func (s *Session) ID() string {
	return s.Snapshot().ID
}

// Status returns the current status.
func (s *Session) Status() Status {
	return s.Snapshot().Status
}

// Done is closed when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is terminal or ctx ends.
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// finish moves the session into a terminal status. It reports false, and
// changes nothing, when the session is already terminal.
func (s *Session) finish(status Status, room string) bool {
	s.mu.Lock()
	if s.snap.Status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.snap.Status = status
	if room != "" {
		s.snap.Room = room
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
	stop := s.stopPolling
	hook := s.onTerminal
	snap := s.snap
	close(s.done)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}

	s.log.Info().
		Str("call_id", snap.ID).
		Str("status", string(status)).
		Str("direction", string(snap.Direction)).
		Msg("call finished")

	if hook != nil {
		hook(s, snap)
	}
	return true
}

// begin records the create-call result and moves initiating to calling.
// It reports false when the session was cancelled in the meantime.
func (s *Session) begin(id, room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ID = id
	s.snap.Room = room
	if s.snap.Status != StatusInitiating {
		return false
	}
	s.snap.Status = StatusCalling
	return true
}

// startPolling runs the status loop in the background until the session is
// terminal, ctx ends, or the deadline passes. The deadline timer runs apart
// from the loop so a stuck poll can never postpone expiry.
func (s *Session) startPolling(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.snap.Status.Terminal() {
		s.mu.Unlock()
		cancel()
		return
	}
	s.stopPolling = cancel
	s.expiry = time.AfterFunc(time.Until(s.snap.Deadline), s.expire)
	s.mu.Unlock()

	go s.pollLoop(ctx)
}

func (s *Session) expire() {
	if !s.finish(StatusExpired, "") {
		return
	}
	s.log.Warn().Str("call_id", s.ID()).Msg("call timed out")
	// Let the server drop the offer too so the callee stops ringing.
	s.sendCancel()
}

func (s *Session) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-timer.C:
		}

		s.pollOnce(ctx)
		timer.Reset(s.pollInterval)
	}
}

func (s *Session) pollOnce(ctx context.Context) {
	id := s.ID()
	view, err := s.sig.CallStatus(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// Every failure, rate limits included, is retried on the next
		// tick. Only the deadline ends the loop.
		s.log.Debug().Err(err).Str("call_id", id).Bool("transient", api.IsTransient(err)).Msg("status poll failed")
		return
	}

	// Drop responses that arrive after cancellation or past the deadline.
	if ctx.Err() != nil || !time.Now().Before(s.Snapshot().Deadline) {
		return
	}

	status, ok := parseServerStatus(view.Status)
	if !ok {
		s.log.Warn().Str("call_id", id).Str("status", view.Status).Msg("unknown call status, still pending")
		return
	}
	if status.Terminal() {
		s.finish(status, view.RoomName)
	}
}

// Cancel ends a non-terminal session. The local status becomes cancelled
// immediately; the server is told on a best-effort basis. Calling Cancel on
// a terminal session does nothing.
func (s *Session) Cancel() {
	if !s.finish(StatusCancelled, "") {
		return
	}
	s.sendCancel()
}

// silence detaches the session from its owner's event stream.
func (s *Session) silence() {
	s.mu.Lock()
	s.onTerminal = nil
	s.mu.Unlock()
}

// withdraw marks an incoming offer as gone without contacting the server.
func (s *Session) withdraw() bool {
	return s.finish(StatusCancelled, "")
}

func (s *Session) sendCancel() {
	snap := s.Snapshot()
	if snap.ID == "" {
		// create-call has not returned yet; Coordinator.Initiate sends the
		// cancel once it learns the id.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()

	var err error
	if snap.Direction == DirectionIncoming {
		_, err = s.sig.AnswerCall(ctx, snap.ID, models.AnswerReject)
	} else {
		err = s.sig.CancelCall(ctx, snap.ID)
	}
	if err != nil {
		s.log.Debug().Err(err).Str("call_id", snap.ID).Msg("best-effort cancel failed")
	}
}

// Answer accepts or rejects an incoming session with a single request. On
// accept the session becomes active and the room reference is returned.
func (s *Session) Answer(ctx context.Context, accept bool) (string, error) {
	snap := s.Snapshot()
	if snap.Direction != DirectionIncoming {
		return "", ErrWrongDirection
	}
	if snap.Status.Terminal() {
		return "", ErrSessionClosed
	}

	action := models.AnswerReject
	if accept {
		action = models.AnswerAccept
	}

	room, err := s.sig.AnswerCall(ctx, snap.ID, action)
	if err != nil {
		if api.IsTransient(err) {
			return "", fmt.Errorf("answer %s: %w", snap.ID, err)
		}
		s.withdraw()
		return "", fmt.Errorf("answer %s: %w: %w", snap.ID, ErrOfferGone, err)
	}

	if !accept {
		if !s.finish(StatusRejected, "") {
			return "", ErrSessionClosed
		}
		return "", nil
	}
	if room == "" {
		room = snap.Room
	}
	if !s.finish(StatusActive, room) {
		return "", ErrSessionClosed
	}
	return s.Snapshot().Room, nil
}
