// Package identity works out who the other party of a room is.
//
// The room roster is authoritative. Until it names a peer, the first
// message from someone who is not the local peer decides, and a roster
// answer replaces such an inferred identity but never the other way round.
package identity

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/poll-signaling/internal/models"
)

const defaultRequestTimeout = 10 * time.Second

// ErrUnresolved is returned when neither source names a peer yet.
var ErrUnresolved = errors.New("peer identity not known yet")

type Provenance string

const (
	ProvenanceRoster   Provenance = "roster"
	ProvenanceInferred Provenance = "inferred"
)

// LocalAliases are the names the local peer goes by.
type LocalAliases struct {
	Name        string
	DisplayName string
	NumericID   int64
	Role        string
}

type PeerIdentity struct {
	Name       string
	Role       string
	NumericID  int64
	AliasSet   []string
	Provenance Provenance
}

type key struct {
	room  string
	local string
}

// Store memoizes identities per (room, local display name). The zero value
// is not usable; call NewStore.
type Store struct {
	mu      sync.Mutex
	entries map[key]PeerIdentity
}

func NewStore() *Store {
	return &Store{entries: make(map[key]PeerIdentity)}
}

func (s *Store) get(k key) (PeerIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[k]
	return id, ok
}

// offer stores id unless that would break precedence: a roster identity is
// never replaced, and an inferred one only by the roster. It returns the
// identity held after the call and whether id was stored.
func (s *Store) offer(k key, id PeerIdentity) (PeerIdentity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[k]
	switch {
	case !ok:
	case cur.Provenance == ProvenanceRoster:
		return cur, false
	case id.Provenance != ProvenanceRoster:
		return cur, false
	}
	s.entries[k] = id
	return id, true
}

// Forget drops every identity cached for room.
func (s *Store) Forget(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if k.room == room {
			delete(s.entries, k)
		}
	}
}

// Source is the room API. *api.Client satisfies it.
type Source interface {
	RoomParticipants(ctx context.Context, room string) ([]models.Participant, error)
	RoomMessages(ctx context.Context, room string) ([]models.ChatMessage, error)
}

type Resolver struct {
	src     Source
	store   *Store
	timeout time.Duration
	log     zerolog.Logger
}

func NewResolver(src Source, store *Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		src:     src,
		store:   store,
		timeout: defaultRequestTimeout,
		log:     logger.With().Str("component", "identity").Logger(),
	}
}

func keyFor(room string, local LocalAliases) key {
	name := local.DisplayName
	if name == "" {
		name = local.Name
	}
	return key{room: room, local: name}
}

// Lookup returns the cached identity without touching the network.
func (r *Resolver) Lookup(room string, local LocalAliases) (PeerIdentity, bool) {
	return r.store.get(keyFor(room, local))
}

// Resolve returns the identity of the other party in room. Roster failures
// fall back to the cached or inferred identity.
func (r *Resolver) Resolve(ctx context.Context, room string, local LocalAliases) (PeerIdentity, error) {
	k := keyFor(room, local)
	if cur, ok := r.store.get(k); ok && cur.Provenance == ProvenanceRoster {
		return cur, nil
	}

	if id, err := r.fromRoster(ctx, room); err != nil {
		r.log.Debug().Err(err).Str("room", room).Msg("roster unavailable, falling back to messages")
	} else if id != nil {
		got, _ := r.store.offer(k, *id)
		return got, nil
	}

	if cur, ok := r.store.get(k); ok {
		return cur, nil
	}

	msgs, err := r.fetchMessages(ctx, room)
	if err != nil {
		return PeerIdentity{}, err
	}
	for _, m := range msgs {
		if IsSelf(local, m) {
			continue
		}
		got, _ := r.store.offer(k, inferredFrom(m))
		return got, nil
	}
	return PeerIdentity{}, ErrUnresolved
}

func (r *Resolver) fromRoster(ctx context.Context, room string) (*PeerIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	participants, err := r.src.RoomParticipants(ctx, room)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.IsCurrentUser {
			continue
		}
		return &PeerIdentity{
			Name:       p.Name,
			Role:       p.Role,
			NumericID:  p.ID,
			AliasSet:   aliases(p.Name, p.ID),
			Provenance: ProvenanceRoster,
		}, nil
	}
	return nil, nil
}

func (r *Resolver) fetchMessages(ctx context.Context, room string) ([]models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.src.RoomMessages(ctx, room)
}

// Observe feeds a live message into inference. It reports whether msg
// decided the identity of room.
func (r *Resolver) Observe(room string, local LocalAliases, msg models.ChatMessage) bool {
	if IsSelf(local, msg) {
		return false
	}
	if _, stored := r.store.offer(keyFor(room, local), inferredFrom(msg)); !stored {
		return false
	}
	r.log.Debug().Str("room", room).Str("peer", msg.UserName).Msg("peer inferred from message")
	return true
}

// Forget drops the cached identities of room.
func (r *Resolver) Forget(room string) {
	r.store.Forget(room)
}

func inferredFrom(m models.ChatMessage) PeerIdentity {
	return PeerIdentity{
		Name:       m.UserName,
		Role:       m.UserRole,
		NumericID:  m.UserID,
		AliasSet:   aliases(m.UserName, m.UserID),
		Provenance: ProvenanceInferred,
	}
}

func aliases(name string, id int64) []string {
	set := make([]string, 0, 2)
	if name != "" {
		set = append(set, name)
	}
	if id != 0 {
		set = append(set, strconv.FormatInt(id, 10))
	}
	return set
}

// IsSelf reports whether msg was sent by the local peer: its sender name
// equals one of the local names exactly, its sender id equals the local
// numeric id, or both role and name match ignoring case and surrounding
// spaces.
func IsSelf(local LocalAliases, msg models.ChatMessage) bool {
	for _, n := range []string{local.Name, local.DisplayName} {
		if n != "" && msg.UserName == n {
			return true
		}
	}
	if local.NumericID != 0 && msg.UserID == local.NumericID {
		return true
	}
	if local.Role == "" || !sameFold(local.Role, msg.UserRole) {
		return false
	}
	return sameFold(local.Name, msg.UserName) || sameFold(local.DisplayName, msg.UserName)
}

func sameFold(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}
