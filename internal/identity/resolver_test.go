package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/api"
	"github.com/mossy-p/poll-signaling/internal/models"
)

type fakeSource struct {
	mu           sync.Mutex
	participants []models.Participant
	rosterErr    error
	messages     []models.ChatMessage
	messagesErr  error
	rosterCalls  int
}

func (f *fakeSource) RoomParticipants(ctx context.Context, room string) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosterCalls++
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.participants, nil
}

func (f *fakeSource) RoomMessages(ctx context.Context, room string) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messagesErr != nil {
		return nil, f.messagesErr
	}
	return f.messages, nil
}

var alice = LocalAliases{Name: "alice", DisplayName: "Alice", NumericID: 1, Role: "student"}

func newResolver(src Source) *Resolver {
	return NewResolver(src, NewStore(), zerolog.Nop())
}

func TestResolve_RosterSkipsCurrentUser(t *testing.T) {
	src := &fakeSource{participants: []models.Participant{
		{ID: 1, Name: "Alice", Role: "student", IsCurrentUser: true},
		{ID: 2, Name: "Bob", Role: "tutor"},
		{ID: 3, Name: "Carol", Role: "tutor"},
	}}
	r := newResolver(src)

	id, err := r.Resolve(context.Background(), "room1", alice)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.Name != "Bob" || id.NumericID != 2 || id.Provenance != ProvenanceRoster {
		t.Fatalf("unexpected identity %+v", id)
	}
	if len(id.AliasSet) != 2 || id.AliasSet[1] != "2" {
		t.Fatalf("AliasSet=%v", id.AliasSet)
	}

	// Memoized: the roster is not asked again.
	if _, err := r.Resolve(context.Background(), "room1", alice); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if src.rosterCalls != 1 {
		t.Fatalf("roster calls=%d, want 1", src.rosterCalls)
	}
}

func TestResolve_FallsBackToMessages(t *testing.T) {
	for _, rosterErr := range []error{
		fmt.Errorf("room participants: %w", api.ErrNotImplemented),
		&api.StatusError{Code: 502},
		errors.New("dial tcp: connection refused"),
	} {
		src := &fakeSource{
			rosterErr: rosterErr,
			messages: []models.ChatMessage{
				{ID: "1", UserID: 1, UserName: "Alice", Message: "hi"},
				{ID: "2", UserID: 7, UserName: "Dana", UserRole: "tutor", Message: "hello"},
				{ID: "3", UserID: 8, UserName: "Eve", Message: "hey"},
			},
		}
		id, err := newResolver(src).Resolve(context.Background(), "room1", alice)
		if err != nil {
			t.Fatalf("%v: Resolve: %v", rosterErr, err)
		}
		if id.Name != "Dana" || id.Provenance != ProvenanceInferred {
			t.Fatalf("%v: unexpected identity %+v", rosterErr, id)
		}
	}
}

func TestResolve_RosterPrecedence(t *testing.T) {
	src := &fakeSource{
		rosterErr: &api.StatusError{Code: 503},
		messages:  []models.ChatMessage{{UserID: 7, UserName: "Dana"}},
	}
	r := newResolver(src)

	id, _ := r.Resolve(context.Background(), "room1", alice)
	if id.Provenance != ProvenanceInferred {
		t.Fatalf("want inferred first, got %+v", id)
	}

	// The roster comes back and replaces the guess.
	src.mu.Lock()
	src.rosterErr = nil
	src.participants = []models.Participant{{ID: 2, Name: "Bob", Role: "tutor"}}
	src.mu.Unlock()

	id, _ = r.Resolve(context.Background(), "room1", alice)
	if id.Name != "Bob" || id.Provenance != ProvenanceRoster {
		t.Fatalf("roster should replace inference, got %+v", id)
	}

	// Neither new messages nor roster failures may replace it.
	if r.Observe("room1", alice, models.ChatMessage{UserID: 9, UserName: "Mallory"}) {
		t.Fatalf("Observe replaced a roster identity")
	}
	src.mu.Lock()
	src.rosterErr = &api.StatusError{Code: 500}
	src.messages = []models.ChatMessage{{UserID: 9, UserName: "Mallory"}}
	src.mu.Unlock()

	id, err := r.Resolve(context.Background(), "room1", alice)
	if err != nil || id.Name != "Bob" || id.Provenance != ProvenanceRoster {
		t.Fatalf("got %+v, %v; want roster Bob", id, err)
	}
}

func TestResolve_FirstMatchWins(t *testing.T) {
	src := &fakeSource{rosterErr: api.ErrNotImplemented}
	r := newResolver(src)

	if !r.Observe("room1", alice, models.ChatMessage{UserID: 7, UserName: "Dana"}) {
		t.Fatalf("first foreign message should decide")
	}
	if r.Observe("room1", alice, models.ChatMessage{UserID: 8, UserName: "Eve"}) {
		t.Fatalf("second foreign message should not override")
	}

	id, err := r.Resolve(context.Background(), "room1", alice)
	if err != nil || id.Name != "Dana" {
		t.Fatalf("got %+v, %v; want Dana", id, err)
	}
}

func TestResolve_Unresolved(t *testing.T) {
	src := &fakeSource{
		participants: []models.Participant{{ID: 1, Name: "Alice", IsCurrentUser: true}},
		messages:     []models.ChatMessage{{UserID: 1, UserName: "Alice"}},
	}
	if _, err := newResolver(src).Resolve(context.Background(), "room1", alice); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err=%v, want ErrUnresolved", err)
	}
}

func TestResolve_KeyedByRoomAndLocalName(t *testing.T) {
	src := &fakeSource{participants: []models.Participant{{ID: 2, Name: "Bob"}}}
	r := newResolver(src)

	if _, err := r.Resolve(context.Background(), "room1", alice); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := r.Lookup("room2", alice); ok {
		t.Fatalf("identity leaked into another room")
	}
	other := LocalAliases{Name: "zed", DisplayName: "Zed"}
	if _, ok := r.Lookup("room1", other); ok {
		t.Fatalf("identity leaked to another local peer")
	}

	r.Forget("room1")
	if _, ok := r.Lookup("room1", alice); ok {
		t.Fatalf("Forget kept the identity")
	}
}

func TestIsSelf(t *testing.T) {
	cases := []struct {
		name string
		msg  models.ChatMessage
		want bool
	}{
		{"exact name", models.ChatMessage{UserName: "alice", UserID: 99}, true},
		{"exact display name", models.ChatMessage{UserName: "Alice", UserID: 99}, true},
		{"numeric id", models.ChatMessage{UserName: "someone", UserID: 1}, true},
		{"role and name", models.ChatMessage{UserName: " ALICE ", UserRole: "Student", UserID: 99}, true},
		{"name case only", models.ChatMessage{UserName: "ALICE", UserRole: "tutor", UserID: 99}, false},
		{"role only", models.ChatMessage{UserName: "Bob", UserRole: "student", UserID: 2}, false},
		{"stranger", models.ChatMessage{UserName: "Bob", UserRole: "tutor", UserID: 2}, false},
	}
	for _, tc := range cases {
		if got := IsSelf(alice, tc.msg); got != tc.want {
			t.Errorf("%s: IsSelf=%v, want %v", tc.name, got, tc.want)
		}
	}
}
