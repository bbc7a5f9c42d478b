// Package incoming polls for call offers addressed to the local peer and
// surfaces at most one of them at a time.
package incoming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/call"
	"github.com/mossy-p/poll-signaling/internal/models"
)

const (
	DefaultInterval       = 3 * time.Second
	defaultRequestTimeout = 10 * time.Second
)

var (
	// ErrAlertBlocked is returned by an Alerter that may not produce its
	// effect until the user interacts with the client.
	ErrAlertBlocked = errors.New("alert blocked until user interaction")
	// ErrNoOffer is returned by Answer when nothing is surfaced.
	ErrNoOffer = errors.New("no incoming call to answer")
	// ErrAnswerInProgress is returned by Answer while another answer for
	// the surfaced offer is outstanding.
	ErrAnswerInProgress = errors.New("answer already in progress")
)

// OfferSource is the check-incoming endpoint. *api.Client satisfies it.
type OfferSource interface {
	CheckIncoming(ctx context.Context) (*models.IncomingCall, error)
}

// Calls is the part of the call coordinator the watcher depends on.
// *call.Coordinator satisfies it.
type Calls interface {
	OutgoingPending() (string, bool)
	IsOwnCall(callID string) bool
	Incoming(offer models.IncomingCall) (*call.Session, error)
	Withdraw(callID string) bool
}

// Alerter produces the ring effect for a surfaced offer.
type Alerter interface {
	Alert(offer models.IncomingCall) error
}

// InteractionHook runs fn on the next user interaction. The returned func
// uninstalls the hook and must be safe to call more than once.
type InteractionHook interface {
	OnNextInteraction(fn func()) (uninstall func())
}

type NoticeKind string

const (
	NoticeOffer NoticeKind = "incoming call"
	NoticeGone  NoticeKind = "offer no longer available"
)

// Notice reports a change of the surfaced offer.
type Notice struct {
	Kind  NoticeKind
	Offer models.IncomingCall
}

type Config struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	Alerter        Alerter
	Hook           InteractionHook
	Logger         zerolog.Logger
}

type Watcher struct {
	src   OfferSource
	calls Calls
	cfg   Config
	log   zerolog.Logger

	notices chan Notice

	mu       sync.Mutex
	surfaced *models.IncomingCall
	// answering is set while an answer request for surfaced is in
	// flight. The server drops the offer before replying, so ticks must
	// not read its absence as a withdrawal.
	answering bool
	uninstall func()
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewWatcher(src OfferSource, calls Calls, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Watcher{
		src:     src,
		calls:   calls,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "incoming").Logger(),
		notices: make(chan Notice, 8),
	}
}

// Notices delivers surfaced and withdrawn offers.
func (w *Watcher) Notices() <-chan Notice {
	return w.notices
}

// Surfaced returns the offer currently shown to the user, if any.
func (w *Watcher) Surfaced() (models.IncomingCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.surfaced == nil {
		return models.IncomingCall{}, false
	}
	return *w.surfaced, true
}

// Start polls until Stop is called or ctx ends. A second Start is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go w.loop(ctx, done)
}

func (w *Watcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop halts polling and drops any deferred alert retry.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel = nil
	un := w.uninstall
	w.uninstall = nil
	w.mu.Unlock()

	if un != nil {
		un()
	}
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Watcher) tick(ctx context.Context) {
	if _, pending := w.calls.OutgoingPending(); pending {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	offer, err := w.src.CheckIncoming(reqCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			w.log.Debug().Err(err).Msg("check incoming failed")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	// The user may have started a call while the request was in flight.
	outgoingID, pending := w.calls.OutgoingPending()
	if pending {
		return
	}

	w.mu.Lock()
	current, answering := w.surfaced, w.answering
	w.mu.Unlock()

	if answering {
		return
	}
	if current != nil {
		// Only the "is it still there" question is asked while an offer
		// is shown.
		if offer == nil || offer.ID != current.ID {
			w.clear(current.ID, true)
		}
		return
	}
	if offer == nil {
		return
	}
	if offer.ID == outgoingID || w.calls.IsOwnCall(offer.ID) {
		w.log.Debug().Str("call_id", offer.ID).Msg("ignoring own outgoing call")
		return
	}
	w.surface(*offer)
}

func (w *Watcher) surface(offer models.IncomingCall) {
	w.mu.Lock()
	if w.surfaced != nil {
		w.mu.Unlock()
		return
	}
	w.surfaced = &offer
	w.mu.Unlock()

	w.log.Info().Str("call_id", offer.ID).Str("caller", offer.Caller).Msg("incoming call")
	w.publish(Notice{Kind: NoticeOffer, Offer: offer})

	err := w.alert(offer)
	if errors.Is(err, ErrAlertBlocked) {
		w.deferAlert(offer)
		return
	}
	if err != nil {
		w.log.Warn().Err(err).Str("call_id", offer.ID).Msg("alert failed")
	}
}

func (w *Watcher) alert(offer models.IncomingCall) error {
	if w.cfg.Alerter == nil {
		return nil
	}
	return w.cfg.Alerter.Alert(offer)
}

// deferAlert registers a single retry of the alert on the next user
// interaction. The hook fires at most once and is uninstalled after it
// fires or when the offer goes away.
func (w *Watcher) deferAlert(offer models.IncomingCall) {
	if w.cfg.Hook == nil {
		return
	}

	var (
		once  sync.Once
		fired atomic.Bool
	)
	fire := func() {
		once.Do(func() {
			fired.Store(true)

			w.mu.Lock()
			un := w.uninstall
			w.uninstall = nil
			still := w.surfaced != nil && w.surfaced.ID == offer.ID
			w.mu.Unlock()

			if un != nil {
				un()
			}
			if !still {
				return
			}
			if err := w.alert(offer); err != nil {
				w.log.Debug().Err(err).Str("call_id", offer.ID).Msg("deferred alert failed")
			}
		})
	}

	un := w.cfg.Hook.OnNextInteraction(fire)
	if fired.Load() {
		un()
		return
	}

	w.mu.Lock()
	prev := w.uninstall
	w.uninstall = un
	w.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// clear forgets the surfaced offer with id callID. When gone is set the
// server withdrew it and the user is told.
func (w *Watcher) clear(callID string, gone bool) {
	w.mu.Lock()
	if w.surfaced == nil || w.surfaced.ID != callID {
		w.mu.Unlock()
		return
	}
	offer := *w.surfaced
	w.surfaced = nil
	un := w.uninstall
	w.uninstall = nil
	w.mu.Unlock()

	if un != nil {
		un()
	}
	if !gone {
		return
	}
	w.calls.Withdraw(callID)
	w.log.Info().Str("call_id", callID).Msg("offer no longer available")
	w.publish(Notice{Kind: NoticeGone, Offer: offer})
}

func (w *Watcher) publish(n Notice) {
	select {
	case w.notices <- n:
	default:
		w.log.Warn().Str("notice", string(n.Kind)).Msg("notice buffer full, dropping")
	}
}

// Answer accepts or rejects the surfaced offer. The returned session is
// terminal on success; on a transient failure the offer stays surfaced so
// the user can try again.
func (w *Watcher) Answer(ctx context.Context, accept bool) (*call.Session, error) {
	w.mu.Lock()
	if w.surfaced == nil {
		w.mu.Unlock()
		return nil, ErrNoOffer
	}
	if w.answering {
		w.mu.Unlock()
		return nil, ErrAnswerInProgress
	}
	offer := *w.surfaced
	w.answering = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.answering = false
		w.mu.Unlock()
	}()

	s, err := w.calls.Incoming(offer)
	if err != nil {
		return nil, err
	}
	if _, err := s.Answer(ctx, accept); err != nil {
		if errors.Is(err, call.ErrOfferGone) || errors.Is(err, call.ErrSessionClosed) {
			w.clear(offer.ID, true)
		}
		return s, err
	}
	w.clear(offer.ID, false)
	return s, nil
}
