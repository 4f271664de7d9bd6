package challenge

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
	// ErrNotFound reports a correlation key with no record (never created,
	// or evicted after its tombstone TTL elapsed).
	ErrNotFound = errors.New("challenge not found")
	// ErrConsumed reports a record that was already redeemed exactly once.
	ErrConsumed = errors.New("challenge already consumed")
	// ErrWrongPurpose reports a live record bound to a different purpose.
	ErrWrongPurpose = errors.New("challenge purpose mismatch")
	// ErrExpired reports a record past its application-level expiry.
	ErrExpired = errors.New("challenge expired")
	// ErrKeyCollision reports an attempt to create a second record under a
	// live correlation key.
	ErrKeyCollision = errors.New("challenge key collision")
	// ErrBackend wraps store-level failures.
	ErrBackend = errors.New("challenge backend unavailable")
)

// Purpose scopes a record to the single flow allowed to redeem it.
type Purpose string

// Record is the generic single-use, purpose-bound, expiring state shared
// by magic links, OIDC state, passkey ceremonies, MFA sessions, and
// pending TOTP secrets. Data carries the kind-specific payload opaquely.
type Record struct {
	Key       string
	Purpose   Purpose
	UserID    string
	Email     string
	Data      []byte
	Consumed  bool
	CreatedAt int64
	ExpiresAt int64
}

// Store persists records in Redis under a shared prefix. Redis key TTLs
// provide background eviction; the application-level ExpiresAt check on
// the read path is the one that decides correctness.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore returns a Store using the given prefix (default "ach").
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "ach"
	}
	return &Store{redis: redisClient, prefix: prefix}
}

func (s *Store) key(correlationKey string) string {
	return s.prefix + ":" + correlationKey
}

// Create stores rec under its correlation key. The key must be unused:
// an existing live record fails with [ErrKeyCollision] rather than being
// silently overwritten.
func (s *Store) Create(ctx context.Context, rec *Record, ttl time.Duration) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(rec.Key), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		return ErrKeyCollision
	}
	return nil
}

// Upsert stores rec, replacing any pending record under the same key.
// Used only by kinds with one-pending-per-subject semantics (a retried
// TOTP setup invalidates the previous candidate secret).
func (s *Store) Upsert(ctx context.Context, rec *Record, ttl time.Duration) error {
	encoded, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(rec.Key), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Get loads a record without consuming it. Expired records are evicted
// and reported as [ErrExpired].
func (s *Store) Get(ctx context.Context, correlationKey string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(correlationKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	rec, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	rec.Key = correlationKey
	if time.Now().Unix() > rec.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(correlationKey)).Result()
		return nil, ErrExpired
	}
	return rec, nil
}

// Consume atomically redeems the record under correlationKey: exactly
// one caller observes the unconsumed state, everyone after that gets
// [ErrConsumed]. The flip is a single conditional read-modify-write
// inside a Redis WATCH transaction; the consumed record stays behind as
// a tombstone for its remaining TTL so replays are distinguishable from
// unknown keys.
//
// Check order is fixed: not-found, consumed, wrong purpose, expired.
func (s *Store) Consume(ctx context.Context, correlationKey string, expected Purpose) (*Record, error) {
	const maxRetries = 4
	key := s.key(correlationKey)

	for i := 0; i < maxRetries; i++ {
		var consumed *Record

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			rec.Key = correlationKey

			if rec.Consumed {
				return ErrConsumed
			}
			if rec.Purpose != expected {
				return ErrWrongPurpose
			}
			ttl := time.Until(time.Unix(rec.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrExpired
			}

			tombstone := *rec
			tombstone.Consumed = true
			updated, err := encodeRecord(&tombstone)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			if err != nil {
				return err
			}

			consumed = rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				return nil, ErrNotFound
			case errors.Is(err, ErrConsumed), errors.Is(err, ErrWrongPurpose), errors.Is(err, ErrExpired):
				return nil, err
			default:
				return nil, fmt.Errorf("%w: %v", ErrBackend, err)
			}
		}

		return consumed, nil
	}

	return nil, ErrNotFound
}

// Delete removes the record under correlationKey, reporting whether one
// existed.
func (s *Store) Delete(ctx context.Context, correlationKey string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(correlationKey)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion1)

	var flags byte
	if rec.Consumed {
		flags |= 1
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}

	for _, field := range []string{string(rec.Purpose), rec.UserID, rec.Email} {
		if len(field) > 65535 {
			return nil, errors.New("challenge field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	if len(rec.Data) > 1<<20 {
		return nil, errors.New("challenge payload too large")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(rec.Data))); err != nil {
		return nil, err
	}
	buf.Write(rec.Data)

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion1 {
		return nil, errors.New("invalid challenge record version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &Record{Consumed: flags&1 != 0}
	if err := binary.Read(reader, binary.BigEndian, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
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
	rec.Purpose = Purpose(fields[0])
	rec.UserID = fields[1]
	rec.Email = fields[2]

	var dataLen uint32
	if err := binary.Read(reader, binary.BigEndian, &dataLen); err != nil {
		return nil, err
	}
	if dataLen > 0 {
		rec.Data = make([]byte, dataLen)
		if _, err := io.ReadFull(reader, rec.Data); err != nil {
			return nil, err
		}
	}

	return rec, nil
}
