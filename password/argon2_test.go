package password

import (
	"errors"
	"strings"
	"testing"
)

func testHasher(t *testing.T) *Hasher {
	t.Helper()

	h, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}
	return h
}

func TestHashVerifyRoundTrip(t *testing.T) {
	h := testHasher(t)

	encoded, err := h.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Fatalf("unexpected PHC prefix: %s", encoded)
	}

	if !h.Verify("correct-horse-battery", encoded) {
		t.Fatal("expected matching password to verify")
	}
	if h.Verify("wrong-horse-battery", encoded) {
		t.Fatal("expected mismatching password to fail")
	}
}

func TestPepperChangesHashInput(t *testing.T) {
	h1 := testHasher(t)

	h2, err := NewHasher(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}, []byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	encoded, err := h1.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h2.Verify("correct-horse-battery", encoded) {
		t.Fatal("hash must not verify under a different pepper")
	}
}

func TestHashRejectsShortPassword(t *testing.T) {
	h := testHasher(t)
	if _, err := h.Hash("short"); err == nil {
		t.Fatal("expected error for password under 10 bytes")
	}
}

func TestVerifyMalformedHashIsFalse(t *testing.T) {
	h := testHasher(t)

	for _, bad := range []string{
		"",
		"!oidc!placeholder",
		"$argon2id$v=19$m=8192,t=1,p=1$bad$bad",
	} {
		if h.Verify("whatever-password", bad) {
			t.Fatalf("malformed hash %q must not verify", bad)
		}
	}
}

func TestCheckReuse(t *testing.T) {
	h := testHasher(t)

	current, err := h.Hash("current-password-1")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	prior, err := h.Hash("prior-password-22")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	if err := h.CheckReuse("current-password-1", current, []string{prior}); !errors.Is(err, ErrReuse) {
		t.Fatalf("expected ErrReuse for current password, got %v", err)
	}
	if err := h.CheckReuse("prior-password-22", current, []string{prior}); !errors.Is(err, ErrReuse) {
		t.Fatalf("expected ErrReuse for prior password, got %v", err)
	}
	if err := h.CheckReuse("brand-new-password", current, []string{prior}); err != nil {
		t.Fatalf("expected fresh password to pass, got %v", err)
	}
}

func TestNeedsUpgrade(t *testing.T) {
	weak := testHasher(t)
	encoded, err := weak.Hash("correct-horse-battery")
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}

	strong, err := NewHasher(Config{
		Memory:      64 * 1024,
		Time:        2,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}, []byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	upgrade, err := strong.NeedsUpgrade(encoded)
	if err != nil {
		t.Fatalf("NeedsUpgrade failed: %v", err)
	}
	if !upgrade {
		t.Fatal("expected upgrade for weaker stored parameters")
	}
}
