// Package scheduler runs periodic tasks behind a minimum-interval guard and
// an exponential backoff window.
//
// Failures never propagate to callers: the scheduler absorbs them, logs
// them and slows the calling rate instead.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// failureThreshold is the number of consecutive failures that opens a
	// backoff window even without an explicit rate-limit signal.
	failureThreshold = 3

	backoffBase = 30 * time.Second
	backoffMax  = 300 * time.Second

	maxIntervalFactor = 4.0
)

// ErrTooManyRequests is the default rate-limit signal. Tasks may return it
// (or wrap it) to open a backoff window immediately.
var ErrTooManyRequests = errors.New("too many requests")

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A permanent failure is logged
// but does not count towards backoff.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Config parameterizes a Scheduler.
type Config struct {
	// BaseInterval is the nominal period of a self-scheduling caller.
	BaseInterval time.Duration
	// MinInterval is the minimum spacing between two successful runs.
	MinInterval time.Duration

	Clock  Clock
	Logger zerolog.Logger

	// IsRateLimited classifies a task error as an explicit rate-limit
	// signal. Defaults to errors.Is(err, ErrTooManyRequests).
	IsRateLimited func(error) bool
}

// State is a snapshot of the guard state.
type State struct {
	LastSentAt        time.Time
	ConsecutiveErrors int
	BlockedUntil      time.Time
}

// Blocked reports whether a backoff window is open at now.
func (s State) Blocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// Scheduler is safe for concurrent use. At most one task runs at a time;
// a TryRun that overlaps an in-flight run is suppressed.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	state    State
	inFlight bool
}

func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.IsRateLimited == nil {
		cfg.IsRateLimited = func(err error) bool { return errors.Is(err, ErrTooManyRequests) }
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Scheduler{cfg: cfg}
}

// TryRun invokes task unless the min-interval guard or a backoff window is
// active. It returns true only when task ran and succeeded.
func (s *Scheduler) TryRun(ctx context.Context, task func(context.Context) error) bool {
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	switch {
	case s.inFlight:
		s.mu.Unlock()
		return false
	case s.state.Blocked(now):
		s.mu.Unlock()
		return false
	case !s.state.LastSentAt.IsZero() && now.Sub(s.state.LastSentAt) < s.cfg.MinInterval:
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.mu.Unlock()

	err := task(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	now = s.cfg.Clock.Now()

	if err == nil {
		s.state.ConsecutiveErrors = 0
		s.state.LastSentAt = now
		return true
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		s.cfg.Logger.Error().Err(err).Msg("task failed permanently")
		return false
	}

	s.state.ConsecutiveErrors++
	limited := s.cfg.IsRateLimited(err)
	if limited || s.state.ConsecutiveErrors >= failureThreshold {
		s.state.BlockedUntil = now.Add(backoffFor(s.state.ConsecutiveErrors))
		s.cfg.Logger.Warn().
			Err(err).
			Bool("rate_limited", limited).
			Int("consecutive_errors", s.state.ConsecutiveErrors).
			Time("blocked_until", s.state.BlockedUntil).
			Msg("backing off")
	} else {
		s.cfg.Logger.Debug().
			Err(err).
			Int("consecutive_errors", s.state.ConsecutiveErrors).
			Msg("task failed")
	}
	return false
}

// RecommendedInterval is the period a self-scheduling caller should use for
// its next re-arm: BaseInterval stretched by up to 4x as failures accumulate.
func (s *Scheduler) RecommendedInterval() time.Duration {
	s.mu.Lock()
	n := s.state.ConsecutiveErrors
	s.mu.Unlock()

	factor := 1 + 0.5*float64(n)
	if factor > maxIntervalFactor {
		factor = maxIntervalFactor
	}
	return time.Duration(float64(s.cfg.BaseInterval) * factor)
}

// BaseInterval returns the configured nominal period.
func (s *Scheduler) BaseInterval() time.Duration {
	return s.cfg.BaseInterval
}

// State returns a copy of the current guard state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Blocked reports whether a backoff window is currently open.
func (s *Scheduler) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Blocked(s.cfg.Clock.Now())
}

// backoffFor returns min(30s * 2^n, 300s).
func backoffFor(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// 30s * 2^4 already exceeds the cap; avoid shifting further.
	if n >= 4 {
		return backoffMax
	}
	d := backoffBase << uint(n)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
