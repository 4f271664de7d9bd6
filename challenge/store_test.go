package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return NewStore(rdb, "ach"), mr
}

func liveRecord(key string, purpose Purpose) *Record {
	now := time.Now()
	return &Record{
		Key:       key,
		Purpose:   purpose,
		UserID:    "u1",
		Email:     "u1@example.com",
		Data:      []byte(`{"p":"payload"}`),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(10 * time.Minute).Unix(),
	}
}

func TestCreateThenConsume(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := liveRecord("k1", "magic-link:signin")
	if err := store.Create(ctx, rec, 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Consume(ctx, "k1", "magic-link:signin")
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if got.UserID != "u1" || got.Email != "u1@example.com" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if string(got.Data) != `{"p":"payload"}` {
		t.Fatalf("payload mismatch: %s", got.Data)
	}
	if got.Consumed {
		t.Fatal("Consume must return the prior (unconsumed) state")
	}
}

func TestCreateCollision(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, liveRecord("k1", "p"), time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, liveRecord("k1", "p"), time.Minute); !errors.Is(err, ErrKeyCollision) {
		t.Fatalf("expected ErrKeyCollision, got %v", err)
	}
}

func TestUpsertReplacesPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := liveRecord("totp-setup:u1", "totp-setup")
	first.Data = []byte("secret-one")
	if err := store.Upsert(ctx, first, time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	second := liveRecord("totp-setup:u1", "totp-setup")
	second.Data = []byte("secret-two")
	if err := store.Upsert(ctx, second, time.Minute); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, "totp-setup:u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Data) != "secret-two" {
		t.Fatalf("expected replacement payload, got %s", got.Data)
	}
}

func TestConsumeTwiceReportsConsumed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, liveRecord("k1", "p"), 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Consume(ctx, "k1", "p"); err != nil {
		t.Fatalf("first Consume failed: %v", err)
	}
	if _, err := store.Consume(ctx, "k1", "p"); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected ErrConsumed, got %v", err)
	}
}

func TestConsumeErrorPrecedence(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	// not-found first
	if _, err := store.Consume(ctx, "missing", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// wrong purpose on a live record
	if err := store.Create(ctx, liveRecord("k1", "purpose-a"), 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Consume(ctx, "k1", "purpose-b"); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose, got %v", err)
	}

	// consumed beats wrong-purpose once the record is redeemed
	if _, err := store.Consume(ctx, "k1", "purpose-a"); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if _, err := store.Consume(ctx, "k1", "purpose-b"); !errors.Is(err, ErrConsumed) {
		t.Fatalf("expected ErrConsumed over ErrWrongPurpose, got %v", err)
	}

	// expired record still present in Redis
	stale := liveRecord("k2", "p")
	stale.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := store.Create(ctx, stale, 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.Consume(ctx, "k2", "p"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// TTL eviction turns the key into not-found
	if err := store.Create(ctx, liveRecord("k3", "p"), time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := store.Consume(ctx, "k3", "p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
}

func TestConcurrentConsumeExactlyOneWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, liveRecord("k1", "p"), 10*time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		replays   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Consume(ctx, "k1", "p")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrConsumed):
				replays++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", successes)
	}
	if replays != callers-1 {
		t.Fatalf("expected %d replay failures, got %d", callers-1, replays)
	}
}

func TestGetExpiredEvicts(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stale := liveRecord("k1", "p")
	stale.ExpiresAt = time.Now().Add(-time.Second).Unix()
	if err := store.Create(ctx, stale, time.Minute); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Get(ctx, "k1"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := store.Get(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after eviction, got %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := &Record{
		Purpose:   "oidc:google",
		UserID:    "user-1",
		Email:     "user@example.com",
		Data:      []byte{0x00, 0x01, 0xff},
		Consumed:  true,
		CreatedAt: 1700000000,
		ExpiresAt: 1700000600,
	}

	encoded, err := encodeRecord(rec)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeRecord(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Purpose != rec.Purpose || decoded.UserID != rec.UserID ||
		decoded.Email != rec.Email || !decoded.Consumed ||
		decoded.CreatedAt != rec.CreatedAt || decoded.ExpiresAt != rec.ExpiresAt {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if len(decoded.Data) != 3 || decoded.Data[2] != 0xff {
		t.Fatalf("payload mismatch: %v", decoded.Data)
	}
}
