package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/poll-signaling/config"
	"github.com/mossy-p/poll-signaling/internal/models"
)

const (
	roomTTL         = 24 * time.Hour
	profileTTL      = 30 * 24 * time.Hour
	maxRoomMessages = 200
	keyAvailable    = "presence:available"
	keyUserSeq      = "users:seq"

	transitionAttempts = 3
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a call is no longer in the expected status.
	ErrConflict = errors.New("call status changed concurrently")
	// ErrContended is returned when a transaction kept losing its WATCH.
	ErrContended = errors.New("call record contended, giving up")
)

// Store is the server's view of calls, rooms, and presence in Redis.
type Store struct {
	rdb *redis.Client

	// beforeCommit runs inside TransitionCall between the read and the
	// write. Tests use it to force WATCH failures.
	beforeCommit func()
}

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStore(rdb), nil
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func callKey(id string) string         { return "call:" + id }
func incomingKey(userID string) string { return "incoming:" + userID }
func roomKey(name string) string       { return "room:" + name }
func peersKey(name string) string      { return "room:" + name + ":peers" }
func messagesKey(name string) string   { return "room:" + name + ":messages" }
func messageSeqKey(name string) string { return "room:" + name + ":msgseq" }
func presenceKey(userID string) string { return "presence:" + userID }
func userIDKey(userID string) string   { return "user:" + userID + ":uid" }
func profileKey(userID string) string  { return "user:" + userID + ":profile" }

func (s *Store) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, ttl).Err()
}

// NumericID returns the stable numeric id of userID, allocating one on
// first use.
func (s *Store) NumericID(ctx context.Context, userID string) (int64, error) {
	id, err := s.rdb.Get(ctx, userIDKey(userID)).Int64()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, err
	}

	next, err := s.rdb.Incr(ctx, keyUserSeq).Result()
	if err != nil {
		return 0, err
	}
	ok, err := s.rdb.SetNX(ctx, userIDKey(userID), next, 0).Result()
	if err != nil {
		return 0, err
	}
	if ok {
		return next, nil
	}
	// Lost a race with a concurrent login.
	return s.rdb.Get(ctx, userIDKey(userID)).Int64()
}

func (s *Store) SaveProfile(ctx context.Context, p models.UserProfile) error {
	return s.setJSON(ctx, profileKey(p.UserID), p, profileTTL)
}

func (s *Store) Profile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := s.getJSON(ctx, profileKey(userID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateCall stores a new pending call and makes it the callee's current
// offer.
func (s *Store) CreateCall(ctx context.Context, rec models.CallRecord, ttl, ringTimeout time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, callKey(rec.ID), data, ttl)
		pipe.Set(ctx, incomingKey(rec.CalleeID), rec.ID, ringTimeout)
		return nil
	})
	return err
}

func (s *Store) Call(ctx context.Context, id string) (*models.CallRecord, error) {
	var rec models.CallRecord
	if err := s.getJSON(ctx, callKey(id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransitionCall moves a pending call into a terminal status atomically.
// It returns ErrConflict when the call is not pending any more, together
// with the record as it is now, and ErrContended when concurrent writers
// kept aborting the transaction.
func (s *Store) TransitionCall(ctx context.Context, id string, to models.CallStatus, ttl time.Duration) (*models.CallRecord, error) {
	key := callKey(id)
	var out models.CallRecord

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
		if out.Status != models.CallStatusPending {
			return ErrConflict
		}

		if s.beforeCommit != nil {
			s.beforeCommit()
		}

		out.Status = to
		out.UpdatedAt = time.Now()
		next, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < transitionAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrConflict) {
			return &out, err
		}
		if err != nil {
			return nil, err
		}
		s.clearIncoming(ctx, out.CalleeID, id)
		return &out, nil
	}
	return nil, fmt.Errorf("transition call %s: %w", id, ErrContended)
}

// clearIncoming drops the callee's offer pointer if it still points at id.
func (s *Store) clearIncoming(ctx context.Context, calleeID, id string) {
	key := incomingKey(calleeID)
	if cur, err := s.rdb.Get(ctx, key).Result(); err == nil && cur == id {
		s.rdb.Del(ctx, key)
	}
}

// IncomingCallID returns the id of the offer currently addressed to userID.
func (s *Store) IncomingCallID(ctx context.Context, userID string) (string, error) {
	id, err := s.rdb.Get(ctx, incomingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

// CreateRoom stores the metadata of the room that opens when a call is
// accepted.
func (s *Store) CreateRoom(ctx context.Context, room models.RoomMetadata) error {
	return s.setJSON(ctx, roomKey(room.Name), room, roomTTL)
}

// DeleteRoom removes a room and its peer set.
func (s *Store) DeleteRoom(ctx context.Context, name string) error {
	return s.rdb.Del(ctx, roomKey(name), peersKey(name)).Err()
}

func (s *Store) Room(ctx context.Context, name string) (*models.RoomMetadata, error) {
	var room models.RoomMetadata
	if err := s.getJSON(ctx, roomKey(name), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// AddPeer and RemovePeer track relay connections of a room.
func (s *Store) AddPeer(ctx context.Context, room, peerID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, peersKey(room), peerID)
	pipe.Expire(ctx, peersKey(room), roomTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemovePeer(ctx context.Context, room, peerID string) error {
	return s.rdb.SRem(ctx, peersKey(room), peerID).Err()
}

func (s *Store) PeerCount(ctx context.Context, room string) (int64, error) {
	return s.rdb.SCard(ctx, peersKey(room)).Result()
}

// AppendMessage assigns the next message id of room and stores msg. The
// feed keeps the newest maxRoomMessages entries.
func (s *Store) AppendMessage(ctx context.Context, room string, msg models.ChatMessage) (models.ChatMessage, error) {
	seq, err := s.rdb.Incr(ctx, messageSeqKey(room)).Result()
	if err != nil {
		return msg, err
	}
	msg.ID = strconv.FormatInt(seq, 10)

	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, messagesKey(room), data)
	pipe.LTrim(ctx, messagesKey(room), -maxRoomMessages, -1)
	pipe.Expire(ctx, messagesKey(room), roomTTL)
	pipe.Expire(ctx, messageSeqKey(room), roomTTL)
	_, err = pipe.Exec(ctx)
	return msg, err
}

// Messages returns the feed of room, oldest first.
func (s *Store) Messages(ctx context.Context, room string) ([]models.ChatMessage, error) {
	raw, err := s.rdb.LRange(ctx, messagesKey(room), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]models.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m models.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// RecordPresence stores entry for ttl and keeps the available index in
// step with the declared activity.
func (s *Store) RecordPresence(ctx context.Context, entry models.PresenceEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, presenceKey(entry.UserID), data, ttl)
	if entry.ActivityType.IsAvailable() {
		pipe.ZAdd(ctx, keyAvailable, redis.Z{Score: float64(entry.LastSeen), Member: entry.UserID})
	} else {
		pipe.ZRem(ctx, keyAvailable, entry.UserID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Presence(ctx context.Context, userID string) (*models.PresenceEntry, error) {
	var e models.PresenceEntry
	if err := s.getJSON(ctx, presenceKey(userID), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Available lists users whose last heartbeat, no older than ttl, declared
// an available activity. Stale members are pruned on the way.
func (s *Store) Available(ctx context.Context, ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	if err := s.rdb.ZRemRangeByScore(ctx, keyAvailable, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}
	return s.rdb.ZRange(ctx, keyAvailable, 0, -1).Result()
}
