// Package presence keeps the server informed of what the local peer is doing.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/api"
	"github.com/mossy-p/poll-signaling/internal/models"
	"github.com/mossy-p/poll-signaling/internal/scheduler"
)

// Reporter is the transport used by the Service. *api.Client satisfies it.
type Reporter interface {
	Heartbeat(ctx context.Context, kind models.ActivityKind, room string) error
	// Beacon must not block and may drop the report.
	Beacon(kind models.ActivityKind, room string)
}

// Notification tells the UI that presence reporting degraded or recovered.
type Notification struct {
	Degraded     bool
	BlockedUntil time.Time
}

type Config struct {
	Interval    time.Duration
	MinInterval time.Duration
	Clock       scheduler.Clock
	Logger      zerolog.Logger
}

// Service periodically reports the local activity through a rate-limited
// scheduler and re-arms itself after every attempt.
type Service struct {
	reporter Reporter
	sched    *scheduler.Scheduler
	base     time.Duration
	log      zerolog.Logger

	notify chan Notification

	mu       sync.Mutex
	kind     models.ActivityKind
	room     string
	degraded bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewService(reporter Reporter, cfg Config) *Service {
	log := cfg.Logger.With().Str("component", "heartbeat").Logger()
	return &Service{
		reporter: reporter,
		base:     cfg.Interval,
		log:      log,
		notify:   make(chan Notification, 4),
		kind:     models.ActivityBrowsing,
		sched: scheduler.New(scheduler.Config{
			BaseInterval:  cfg.Interval,
			MinInterval:   cfg.MinInterval,
			Clock:         cfg.Clock,
			Logger:        log,
			IsRateLimited: func(err error) bool { return errors.Is(err, api.ErrRateLimited) },
		}),
	}
}

// Notifications delivers degraded/recovered transitions. Slow readers miss
// notifications rather than stalling the loop.
func (s *Service) Notifications() <-chan Notification {
	return s.notify
}

// SetActivity changes what the next periodic report declares.
func (s *Service) SetActivity(kind models.ActivityKind, room string) {
	s.mu.Lock()
	s.kind = kind
	s.room = room
	s.mu.Unlock()
}

// Activity returns the currently declared activity.
func (s *Service) Activity() (models.ActivityKind, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind, s.room
}

// Report declares kind (and room) and attempts to send it now. It returns
// false when the report was suppressed or failed.
func (s *Service) Report(ctx context.Context, kind models.ActivityKind, room string) bool {
	s.SetActivity(kind, room)

	sent := s.sched.TryRun(ctx, func(ctx context.Context) error {
		err := s.reporter.Heartbeat(ctx, kind, room)
		if err != nil && !api.IsTransient(err) {
			return scheduler.Permanent(err)
		}
		return err
	})
	s.updateDegraded(sent)
	return sent
}

func (s *Service) updateDegraded(sent bool) {
	st := s.sched.State()
	blocked := s.sched.Blocked()

	s.mu.Lock()
	var n *Notification
	switch {
	case blocked && !s.degraded:
		s.degraded = true
		n = &Notification{Degraded: true, BlockedUntil: st.BlockedUntil}
	case sent && s.degraded:
		s.degraded = false
		n = &Notification{Degraded: false}
	}
	s.mu.Unlock()

	if n == nil {
		return
	}
	if n.Degraded {
		s.log.Warn().Time("blocked_until", n.BlockedUntil).Msg("presence degraded")
	} else {
		s.log.Info().Msg("presence recovered")
	}
	select {
	case s.notify <- *n:
	default:
	}
}

// Degraded reports whether reports are currently being held back.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// NextInterval is the delay before the next self-scheduled report.
func (s *Service) NextInterval() time.Duration {
	d := s.sched.RecommendedInterval()
	if d < s.base {
		d = s.base
	}
	return d
}

// State exposes the underlying scheduler state.
func (s *Service) State() scheduler.State {
	return s.sched.State()
}

// Start runs the report loop until Stop is called or ctx ends. Calling
// Start twice has no effect.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, done)
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		kind, room := s.Activity()
		s.Report(ctx, kind, room)
		timer.Reset(s.NextInterval())
	}
}

// Stop halts the loop and makes one last fire-and-forget report that the
// local peer is back to browsing.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.reporter.Beacon(models.ActivityBrowsing, "")
	s.log.Debug().Msg("heartbeat stopped")
}
