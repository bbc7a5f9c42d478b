package incoming

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/call"
	"github.com/mossy-p/poll-signaling/internal/models"
)

type fakeSource struct {
	mu    sync.Mutex
	offer *models.IncomingCall
	err   error
	calls int
}

func (f *fakeSource) CheckIncoming(ctx context.Context) (*models.IncomingCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.offer == nil {
		return nil, nil
	}
	o := *f.offer
	return &o, nil
}

func (f *fakeSource) set(offer *models.IncomingCall) {
	f.mu.Lock()
	f.offer = offer
	f.mu.Unlock()
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeCalls overrides the outgoing view of a real coordinator.
type fakeCalls struct {
	*call.Coordinator

	mu         sync.Mutex
	outgoingID string
	pending    bool
	own        map[string]bool
	withdrawn  []string
}

func (f *fakeCalls) OutgoingPending() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outgoingID, f.pending
}

func (f *fakeCalls) IsOwnCall(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.own[id]
}

func (f *fakeCalls) Withdraw(id string) bool {
	f.mu.Lock()
	f.withdrawn = append(f.withdrawn, id)
	f.mu.Unlock()
	return f.Coordinator.Withdraw(id)
}

type fakeSignaler struct {
	mu        sync.Mutex
	room      string
	answerErr error
	actions   []models.AnswerAction

	// When set, AnswerCall closes answering and then waits on release.
	answering chan struct{}
	release   chan struct{}
}

func (f *fakeSignaler) CreateCall(ctx context.Context, calleeID string, callType models.CallType) (*models.CreateCallResponse, error) {
	return &models.CreateCallResponse{Success: true, CallID: "12", RoomName: "room12"}, nil
}

func (f *fakeSignaler) CallStatus(ctx context.Context, callID string) (*models.CallStatusView, error) {
	return &models.CallStatusView{ID: callID, Status: "pending"}, nil
}

func (f *fakeSignaler) CancelCall(ctx context.Context, callID string) error { return nil }

func (f *fakeSignaler) AnswerCall(ctx context.Context, callID string, action models.AnswerAction) (string, error) {
	f.mu.Lock()
	f.actions = append(f.actions, action)
	answering, release := f.answering, f.release
	room, err := f.room, f.answerErr
	f.mu.Unlock()

	if answering != nil {
		close(answering)
		<-release
	}
	if err != nil {
		return "", err
	}
	if action == models.AnswerAccept {
		return room, nil
	}
	return "", nil
}

type fakeAlerter struct {
	mu      sync.Mutex
	blocked bool
	alerts  int
}

func (a *fakeAlerter) Alert(offer models.IncomingCall) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts++
	if a.blocked {
		return ErrAlertBlocked
	}
	return nil
}

func (a *fakeAlerter) setBlocked(b bool) {
	a.mu.Lock()
	a.blocked = b
	a.mu.Unlock()
}

func (a *fakeAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerts
}

type fakeHook struct {
	mu         sync.Mutex
	installs   int
	uninstalls int
	pending    []func()
}

func (h *fakeHook) OnNextInteraction(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.installs++
	h.pending = append(h.pending, fn)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.uninstalls++
		h.pending = nil
	}
}

// interact simulates a user gesture: every installed callback runs.
func (h *fakeHook) interact() {
	h.mu.Lock()
	fns := append([]func(){}, h.pending...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fixture struct {
	src     *fakeSource
	sig     *fakeSignaler
	calls   *fakeCalls
	alerter *fakeAlerter
	hook    *fakeHook
	w       *Watcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sig := &fakeSignaler{room: "room12"}
	coord := call.NewCoordinator(sig, call.Config{LocalPeerID: "alice", Logger: zerolog.Nop()})
	t.Cleanup(coord.Close)

	f := &fixture{
		src:     &fakeSource{},
		sig:     sig,
		calls:   &fakeCalls{Coordinator: coord, own: map[string]bool{}},
		alerter: &fakeAlerter{},
		hook:    &fakeHook{},
	}
	f.w = NewWatcher(f.src, f.calls, Config{
		Interval: 10 * time.Millisecond,
		Alerter:  f.alerter,
		Hook:     f.hook,
		Logger:   zerolog.Nop(),
	})
	return f
}

func offer12() *models.IncomingCall {
	return &models.IncomingCall{ID: "12", Caller: "bob", CallType: models.CallTypeAudio}
}

func TestTick_SurfacesForeignOffer(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())

	f.w.tick(context.Background())

	got, ok := f.w.Surfaced()
	if !ok || got.ID != "12" {
		t.Fatalf("Surfaced=(%+v,%v), want offer 12", got, ok)
	}
	if f.alerter.count() != 1 {
		t.Fatalf("alerts=%d, want 1", f.alerter.count())
	}
	if n := <-f.w.Notices(); n.Kind != NoticeOffer || n.Offer.Caller != "bob" {
		t.Fatalf("unexpected notice %+v", n)
	}

	// Still there on the next tick: nothing new happens.
	f.w.tick(context.Background())
	if f.alerter.count() != 1 {
		t.Fatalf("offer re-alerted while surfaced")
	}
}

func TestTick_SuppressesOwnOutgoingOffer(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.calls.own["12"] = true

	for i := 0; i < 3; i++ {
		f.w.tick(context.Background())
	}
	if _, ok := f.w.Surfaced(); ok {
		t.Fatalf("own call surfaced as incoming")
	}
	if f.alerter.count() != 0 {
		t.Fatalf("own call triggered an alert")
	}
	select {
	case n := <-f.w.Notices():
		t.Fatalf("unexpected notice %+v", n)
	default:
	}
}

func TestTick_SkipsWhileCalling(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.calls.outgoingID = "12"
	f.calls.pending = true

	f.w.tick(context.Background())

	if f.src.count() != 0 {
		t.Fatalf("check-incoming polled while an outgoing call is pending")
	}
	if _, ok := f.w.Surfaced(); ok {
		t.Fatalf("offer surfaced during outgoing call")
	}
}

func TestTick_WithRealCoordinatorOutgoing(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())

	// The real coordinator is calling with id 12.
	s, err := f.calls.Coordinator.Initiate(context.Background(), "bob", models.CallTypeAudio)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	defer s.Cancel()

	w := NewWatcher(f.src, f.calls.Coordinator, Config{Alerter: f.alerter, Logger: zerolog.Nop()})
	w.tick(context.Background())
	s.Cancel()
	w.tick(context.Background())

	if _, ok := w.Surfaced(); ok {
		t.Fatalf("own call 12 surfaced after it ended")
	}
	if f.alerter.count() != 0 {
		t.Fatalf("own call triggered an alert")
	}
}

func TestTick_OfferGoneNotifies(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.w.tick(context.Background())
	<-f.w.Notices()

	f.src.set(nil)
	f.w.tick(context.Background())

	if _, ok := f.w.Surfaced(); ok {
		t.Fatalf("offer still surfaced after the server dropped it")
	}
	n := <-f.w.Notices()
	if n.Kind != NoticeGone || n.Offer.ID != "12" {
		t.Fatalf("unexpected notice %+v", n)
	}
	if len(f.calls.withdrawn) != 1 || f.calls.withdrawn[0] != "12" {
		t.Fatalf("withdrawn=%v, want [12]", f.calls.withdrawn)
	}
}

func TestTick_ErrorsKeepSurfacedOffer(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.w.tick(context.Background())

	f.src.mu.Lock()
	f.src.err = errors.New("connection refused")
	f.src.mu.Unlock()
	f.w.tick(context.Background())

	if _, ok := f.w.Surfaced(); !ok {
		t.Fatalf("a failed poll must not withdraw the offer")
	}
}

func TestAlert_BlockedRetriesOnceOnInteraction(t *testing.T) {
	f := newFixture(t)
	f.alerter.setBlocked(true)
	f.src.set(offer12())

	f.w.tick(context.Background())
	if f.alerter.count() != 1 || f.hook.installs != 1 {
		t.Fatalf("alerts=%d installs=%d, want 1/1", f.alerter.count(), f.hook.installs)
	}

	f.alerter.setBlocked(false)
	f.hook.interact()
	f.hook.interact()

	if f.alerter.count() != 2 {
		t.Fatalf("alerts=%d, want exactly one retry", f.alerter.count())
	}
	if f.hook.uninstalls == 0 {
		t.Fatalf("hook not uninstalled after firing")
	}
	if f.hook.installs != 1 {
		t.Fatalf("installs=%d, want 1", f.hook.installs)
	}
}

func TestAlert_HookDroppedWhenOfferGone(t *testing.T) {
	f := newFixture(t)
	f.alerter.setBlocked(true)
	f.src.set(offer12())
	f.w.tick(context.Background())

	f.src.set(nil)
	f.w.tick(context.Background())
	if f.hook.uninstalls != 1 {
		t.Fatalf("uninstalls=%d, want 1", f.hook.uninstalls)
	}

	f.hook.interact()
	if f.alerter.count() != 1 {
		t.Fatalf("stale offer re-alerted")
	}
}

func TestAnswer_AcceptClearsOffer(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.w.tick(context.Background())

	s, err := f.w.Answer(context.Background(), true)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	snap := s.Snapshot()
	if snap.Status != call.StatusActive || snap.Room != "room12" {
		t.Fatalf("unexpected session %+v", snap)
	}
	if _, ok := f.w.Surfaced(); ok {
		t.Fatalf("offer still surfaced after answer")
	}
	if _, err := f.w.Answer(context.Background(), true); !errors.Is(err, ErrNoOffer) {
		t.Fatalf("second Answer err=%v, want ErrNoOffer", err)
	}
}

func TestAnswer_TickDuringAcceptKeepsCall(t *testing.T) {
	f := newFixture(t)
	f.sig.answering = make(chan struct{})
	f.sig.release = make(chan struct{})
	f.src.set(offer12())
	f.w.tick(context.Background())
	<-f.w.Notices()

	type result struct {
		s   *call.Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := f.w.Answer(context.Background(), true)
		done <- result{s, err}
	}()
	<-f.sig.answering

	// The server clears the pending offer before the accept reply arrives.
	f.src.set(nil)
	f.w.tick(context.Background())
	if _, err := f.w.Answer(context.Background(), true); !errors.Is(err, ErrAnswerInProgress) {
		t.Fatalf("concurrent Answer err=%v, want ErrAnswerInProgress", err)
	}
	close(f.sig.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("Answer: %v", r.err)
	}
	if snap := r.s.Snapshot(); snap.Status != call.StatusActive || snap.Room != "room12" {
		t.Fatalf("unexpected session %+v", snap)
	}
	if len(f.calls.withdrawn) != 0 {
		t.Fatalf("withdrawn=%v, want none", f.calls.withdrawn)
	}
	select {
	case n := <-f.w.Notices():
		t.Fatalf("unexpected notice %+v", n)
	default:
	}
	if _, ok := f.w.Surfaced(); ok {
		t.Fatalf("offer still surfaced after answer")
	}
}

func TestAnswer_RejectSendsOneRequest(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())
	f.w.tick(context.Background())

	s, err := f.w.Answer(context.Background(), false)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if s.Status() != call.StatusRejected {
		t.Fatalf("status=%q, want rejected", s.Status())
	}
	if len(f.sig.actions) != 1 || f.sig.actions[0] != models.AnswerReject {
		t.Fatalf("actions=%v, want [reject]", f.sig.actions)
	}
}

func TestAnswer_TransientErrorKeepsOffer(t *testing.T) {
	f := newFixture(t)
	f.sig.answerErr = errors.New("i/o timeout")
	f.src.set(offer12())
	f.w.tick(context.Background())

	if _, err := f.w.Answer(context.Background(), true); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := f.w.Surfaced(); !ok {
		t.Fatalf("transient answer failure should keep the offer surfaced")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.src.set(offer12())

	f.w.Start(context.Background())
	f.w.Start(context.Background())

	select {
	case n := <-f.w.Notices():
		if n.Kind != NoticeOffer {
			t.Fatalf("unexpected notice %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("offer never surfaced")
	}

	f.w.Stop()
	f.w.Stop()

	polls := f.src.count()
	time.Sleep(40 * time.Millisecond)
	if f.src.count() != polls {
		t.Fatalf("polling continued after Stop")
	}
}
