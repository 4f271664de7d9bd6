package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const recordVersion1 = 1

var (
	// ErrNotFound reports an unknown or evicted session id.
	ErrNotFound = errors.New("session not found")
	// ErrExpired reports a session past its application-level expiry.
	ErrExpired = errors.New("session expired")
	// ErrBackend wraps store-level failures.
	ErrBackend = errors.New("session backend unavailable")
)

// Store persists sessions in Redis: one record per session id plus a
// per-user zset index scored by creation time for newest-first listing.
// Redis TTLs evict in the background; the ExpiresAt check on the read
// path decides correctness.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store using the given prefix (default "as").
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// Save persists sess with a TTL derived from its ExpiresAt.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	encoded, err := encodeSession(sess)
	if err != nil {
		return err
	}
	ttl := time.Until(time.Unix(sess.ExpiresAt, 0))
	if ttl <= 0 {
		return errors.New("session already expired")
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key(sess.ID), encoded, ttl)
	pipe.ZAdd(ctx, s.userKey(sess.UserID), redis.Z{
		Score:  float64(sess.CreatedAt),
		Member: sess.ID,
	})
	// The index outlives individual sessions; a stale member costs one
	// extra lookup during listing and is pruned there.
	pipe.Expire(ctx, s.userKey(sess.UserID), ttl+24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get loads a session by id. Expired records are evicted and reported
// as [ErrExpired].
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	sess, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > sess.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(sessionID)).Result()
		_, _ = s.redis.ZRem(ctx, s.userKey(sess.UserID), sessionID).Result()
		return nil, ErrExpired
	}
	return sess, nil
}

// ExtendExpiry moves the session's expiry forward and stretches the
// Redis TTL to match. The update is a conditional read-modify-write so
// a concurrent delete is not resurrected.
func (s *Store) ExtendExpiry(ctx context.Context, sessionID string, newExpiresAt int64) error {
	const maxRetries = 4
	key := s.key(sessionID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := decodeSession(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > sess.ExpiresAt {
				return ErrExpired
			}

			sess.ExpiresAt = newExpiresAt
			updated, err := encodeSession(sess)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(newExpiresAt, 0))
			if ttl <= 0 {
				return errors.New("new expiry already in the past")
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return ErrNotFound
			case errors.Is(err, ErrExpired):
				return err
			default:
				return fmt.Errorf("%w: %v", ErrBackend, err)
			}
		}
		return nil
	}

	return ErrNotFound
}

// ListByUser returns the user's unexpired sessions, newest first. Stale
// index members (evicted or expired sessions) are pruned as they are
// encountered.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.redis.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	sessions := make([]*Session, 0, len(ids))
	now := time.Now().Unix()
	for _, id := range ids {
		data, err := s.redis.Get(ctx, s.key(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				_, _ = s.redis.ZRem(ctx, s.userKey(userID), id).Result()
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if now > sess.ExpiresAt {
			_, _ = s.redis.Del(ctx, s.key(id)).Result()
			_, _ = s.redis.ZRem(ctx, s.userKey(userID), id).Result()
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Delete removes a session and its index entry, reporting whether the
// session existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			return false, nil
		}
		return false, err
	}

	pipe := s.redis.TxPipeline()
	del := pipe.Del(ctx, s.key(sessionID))
	pipe.ZRem(ctx, s.userKey(sess.UserID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return del.Val() > 0, nil
}

// DeleteAllForUser revokes every session of a user (password reset,
// account compromise response). Returns the number removed.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := s.redis.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	removed := 0
	for _, id := range ids {
		n, err := s.redis.Del(ctx, s.key(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		removed += int(n)
	}
	if _, err := s.redis.Del(ctx, s.userKey(userID)).Result(); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return removed, nil
}

func encodeSession(sess *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, sess.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{sess.ID, sess.UserID, sess.UserAgent} {
		if len(field) > 65535 {
			return nil, errors.New("session field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeSession(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion1 {
		return nil, errors.New("invalid session record version")
	}

	sess := &Session{}
	if err := binary.Read(reader, binary.BigEndian, &sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &sess.ExpiresAt); err != nil {
		return nil, err
	}

	fields := make([]string, 3)
	for i := range fields {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		fields[i] = string(raw)
	}
	sess.ID = fields[0]
	sess.UserID = fields[1]
	sess.UserAgent = fields[2]

	return sess, nil
}
