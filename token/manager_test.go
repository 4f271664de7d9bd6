package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"testing"
	"time"
)

func testKeyPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa generate failed: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key failed: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})
	return privPEM, pubPEM
}

func testConfig(t *testing.T) Config {
	t.Helper()

	accessPriv, accessPub := testKeyPEM(t)
	refreshPriv, refreshPub := testKeyPEM(t)

	return Config{
		Issuer:               "authkit-test",
		Audience:             "authkit",
		AccessTTL:            15 * time.Minute,
		RefreshTTL:           30 * 24 * time.Hour,
		MFATTL:               5 * time.Minute,
		MagicLinkTTL:         15 * time.Minute,
		AccessPrivateKeyPEM:  accessPriv,
		AccessPublicKeyPEM:   accessPub,
		RefreshPrivateKeyPEM: refreshPriv,
		RefreshPublicKeyPEM:  refreshPub,
		MFASecret:            make([]byte, 32),
		MagicLinkSecret:      append(make([]byte, 31), 1),
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(testConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return m
}

func TestSignVerifyRoundTrip(t *testing.T) {
	m := newTestManager(t)

	signed, err := m.Sign(KindAccess, Claims{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := m.Verify(KindAccess, signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UserID != "u1" || claims.SessionID != "s1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if claims.TokenType != "access" {
		t.Fatalf("expected typ access, got %q", claims.TokenType)
	}
}

func TestChallengeIDBecomesJTI(t *testing.T) {
	m := newTestManager(t)

	signed, err := m.Sign(KindMFA, Claims{UserID: "u1", ChallengeID: "chal-1", Purpose: "mfa_login"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := m.Verify(KindMFA, signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.ChallengeID != "chal-1" {
		t.Fatalf("cid = %q, want chal-1", claims.ChallengeID)
	}
	if claims.ID != "chal-1" {
		t.Fatalf("jti = %q, want the challenge key", claims.ID)
	}

	// Tokens without a challenge binding carry no jti.
	signed, err = m.Sign(KindAccess, Claims{UserID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	claims, err = m.Verify(KindAccess, signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.ID != "" {
		t.Fatalf("unexpected jti %q on an access token", claims.ID)
	}
}

func TestWrongKindRejected(t *testing.T) {
	m := newTestManager(t)

	kinds := []Kind{KindAccess, KindRefresh, KindMFA, KindMagicLink}
	for _, signKind := range kinds {
		signed, err := m.Sign(signKind, Claims{UserID: "u1", SessionID: "s1"})
		if err != nil {
			t.Fatalf("Sign(%s) failed: %v", signKind.TypeName(), err)
		}
		for _, verifyKind := range kinds {
			_, err := m.Verify(verifyKind, signed)
			if signKind == verifyKind {
				if err != nil {
					t.Fatalf("Verify(%s, %s) failed: %v", verifyKind.TypeName(), signKind.TypeName(), err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Verify(%s) of a %s token: expected ErrInvalid, got %v",
					verifyKind.TypeName(), signKind.TypeName(), err)
			}
		}
	}
}

func TestExpiredDistinctFromInvalid(t *testing.T) {
	cfg := testConfig(t)
	cfg.MFATTL = time.Nanosecond
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	signed, err := m.Sign(KindMFA, Claims{UserID: "u1", ChallengeID: "c1"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	_, err = m.Verify(KindMFA, signed)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if errors.Is(err, ErrInvalid) {
		t.Fatal("expired token must not also report ErrInvalid")
	}

	_, err = m.Verify(KindMFA, "not-a-token")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for garbage, got %v", err)
	}
}

func TestTamperedTokenInvalid(t *testing.T) {
	m := newTestManager(t)

	signed, err := m.Sign(KindRefresh, Claims{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	tampered := signed[:len(signed)-3] + "abc"

	if _, err := m.Verify(KindRefresh, tampered); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for tampered token, got %v", err)
	}
}

func TestNewManagerRejectsShortSecrets(t *testing.T) {
	cfg := testConfig(t)
	cfg.MFASecret = []byte("short")
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected error for short mfa secret")
	}

	cfg = testConfig(t)
	cfg.AccessTTL = 0
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected error for zero TTL")
	}

	cfg = testConfig(t)
	cfg.AccessPrivateKeyPEM = []byte("not a key")
	if _, err := NewManager(cfg); err == nil {
		t.Fatal("expected error for malformed private key")
	}
}
