package memory

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	authkit "github.com/signalpost/authkit"
)

func testUser(id, email string) *authkit.User {
	now := time.Now()
	return &authkit.User{
		ID:          id,
		Email:       email,
		Name:        "Test User",
		AuthMethods: []authkit.AuthMethod{authkit.MethodPassword},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func testPasskey(id, userID string, credentialID []byte) *authkit.Passkey {
	now := time.Now()
	return &authkit.Passkey{
		ID:           id,
		UserID:       userID,
		CredentialID: credentialID,
		PublicKey:    []byte("pub"),
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

func TestCreateAndGetUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, err := s.GetUserByEmail(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if got.ID != "u1" {
		t.Fatalf("id = %q, want u1", got.ID)
	}

	if err := s.CreateUser(ctx, testUser("u2", "a@example.com")); !errors.Is(err, authkit.ErrUserExists) {
		t.Fatalf("duplicate email err = %v, want ErrUserExists", err)
	}
	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("missing user err = %v, want ErrUserNotFound", err)
	}
}

func TestReturnedUserIsACopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	user := testUser("u1", "a@example.com")
	user.PriorHashes = []string{"h1"}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	got, _ := s.GetUserByID(ctx, "u1")
	got.PriorHashes[0] = "mutated"
	got.Email = "mutated@example.com"

	again, _ := s.GetUserByID(ctx, "u1")
	if again.PriorHashes[0] != "h1" || again.Email != "a@example.com" {
		t.Fatal("mutating a returned user leaked into the store")
	}
}

func TestCreateUserIfAbsent(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := testUser("u1", "a@example.com")
	got, created, err := s.CreateUserIfAbsent(ctx, first)
	if err != nil || !created {
		t.Fatalf("first CreateUserIfAbsent = (%v, %v), want created", got, err)
	}

	second := testUser("u2", "a@example.com")
	second.Name = "Other Name"
	got, created, err = s.CreateUserIfAbsent(ctx, second)
	if err != nil {
		t.Fatalf("second CreateUserIfAbsent: %v", err)
	}
	if created {
		t.Fatal("second call must not insert")
	}
	if got.ID != "u1" || got.Name != "Test User" {
		t.Fatalf("existing record was overwritten: %+v", got)
	}
}

func TestConsumeVerificationCode(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	hash := sha256.Sum256([]byte("code-1"))
	code := &authkit.VerificationCode{
		UserID:    "u1",
		CodeHash:  hash[:],
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.UpsertVerificationCode(ctx, code); err != nil {
		t.Fatalf("UpsertVerificationCode: %v", err)
	}

	wrong := sha256.Sum256([]byte("wrong"))
	if err := s.ConsumeVerificationCode(ctx, "u1", wrong[:]); !errors.Is(err, authkit.ErrCodeInvalid) {
		t.Fatalf("wrong code err = %v, want ErrCodeInvalid", err)
	}

	if err := s.ConsumeVerificationCode(ctx, "u1", hash[:]); err != nil {
		t.Fatalf("ConsumeVerificationCode: %v", err)
	}

	user, _ := s.GetUserByID(ctx, "u1")
	if !user.EmailVerified {
		t.Fatal("email should be verified after consumption")
	}

	// The code is single-use.
	if err := s.ConsumeVerificationCode(ctx, "u1", hash[:]); !errors.Is(err, authkit.ErrCodeInvalid) {
		t.Fatalf("second consume err = %v, want ErrCodeInvalid", err)
	}
}

func TestConsumeExpiredVerificationCode(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	hash := sha256.Sum256([]byte("code-1"))
	code := &authkit.VerificationCode{
		UserID:    "u1",
		CodeHash:  hash[:],
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if err := s.UpsertVerificationCode(ctx, code); err != nil {
		t.Fatalf("UpsertVerificationCode: %v", err)
	}

	if err := s.ConsumeVerificationCode(ctx, "u1", hash[:]); !errors.Is(err, authkit.ErrCodeExpired) {
		t.Fatalf("expired code err = %v, want ErrCodeExpired", err)
	}
}

func TestCreateUserWithPasskeyAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("code-1"))
	code := &authkit.VerificationCode{UserID: "u1", CodeHash: hash[:], ExpiresAt: time.Now().Add(time.Hour)}

	err := s.CreateUserWithPasskey(ctx, testUser("u1", "a@example.com"), testPasskey("p1", "u1", []byte("cred-1")), code)
	if err != nil {
		t.Fatalf("CreateUserWithPasskey: %v", err)
	}

	// Duplicate email must leave nothing behind.
	err = s.CreateUserWithPasskey(ctx, testUser("u2", "a@example.com"), testPasskey("p2", "u2", []byte("cred-2")), code)
	if !errors.Is(err, authkit.ErrUserExists) {
		t.Fatalf("duplicate err = %v, want ErrUserExists", err)
	}
	if _, err := s.GetPasskeyByCredentialID(ctx, []byte("cred-2")); !errors.Is(err, authkit.ErrPasskeyNotFound) {
		t.Fatal("failed create must not leave a passkey")
	}
}

func TestAddListDeletePasskey(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.AddPasskey(ctx, testPasskey("p1", "u1", []byte("cred-1"))); err != nil {
		t.Fatalf("AddPasskey: %v", err)
	}

	user, _ := s.GetUserByID(ctx, "u1")
	if !user.HasMethod(authkit.MethodPasskey) {
		t.Fatal("AddPasskey must record the passkey auth method")
	}

	if err := s.AddPasskey(ctx, testPasskey("p2", "u1", []byte("cred-1"))); !errors.Is(err, authkit.ErrPasskeyExists) {
		t.Fatalf("duplicate credential err = %v, want ErrPasskeyExists", err)
	}

	list, err := s.ListPasskeysByUser(ctx, "u1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListPasskeysByUser = (%d, %v), want 1", len(list), err)
	}

	if err := s.DeletePasskey(ctx, "someone-else", []byte("cred-1")); !errors.Is(err, authkit.ErrForbidden) {
		t.Fatalf("wrong owner err = %v, want ErrForbidden", err)
	}
	if err := s.DeletePasskey(ctx, "u1", []byte("cred-1")); err != nil {
		t.Fatalf("DeletePasskey: %v", err)
	}
	if _, err := s.GetPasskeyByCredentialID(ctx, []byte("cred-1")); !errors.Is(err, authkit.ErrPasskeyNotFound) {
		t.Fatal("credential should be gone after delete")
	}
}

func TestUpdatePasskeySignCount(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateUser(ctx, testUser("u1", "a@example.com")); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := s.AddPasskey(ctx, testPasskey("p1", "u1", []byte("cred-1"))); err != nil {
		t.Fatalf("AddPasskey: %v", err)
	}

	used := time.Now().Add(time.Minute)
	if err := s.UpdatePasskeySignCount(ctx, []byte("cred-1"), 9, used); err != nil {
		t.Fatalf("UpdatePasskeySignCount: %v", err)
	}

	pk, _ := s.GetPasskeyByCredentialID(ctx, []byte("cred-1"))
	if pk.SignCount != 9 {
		t.Fatalf("sign count = %d, want 9", pk.SignCount)
	}
	if !pk.LastUsedAt.Equal(used) {
		t.Fatalf("last used = %v, want %v", pk.LastUsedAt, used)
	}
}

func TestConsumeBackupCode(t *testing.T) {
	s := New()
	ctx := context.Background()

	spend := sha256.Sum256([]byte("code-1"))
	keep := sha256.Sum256([]byte("code-2"))

	user := testUser("u1", "a@example.com")
	user.MFAEnabled = true
	user.BackupCodeHashes = [][32]byte{spend, keep}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if err := s.ConsumeBackupCode(ctx, "u1", spend); err != nil {
		t.Fatalf("ConsumeBackupCode: %v", err)
	}
	stored, _ := s.GetUserByID(ctx, "u1")
	if len(stored.BackupCodeHashes) != 1 || stored.BackupCodeHashes[0] != keep {
		t.Fatalf("unexpected remaining set: %v", stored.BackupCodeHashes)
	}

	if err := s.ConsumeBackupCode(ctx, "u1", spend); !errors.Is(err, authkit.ErrBackupCodeInvalid) {
		t.Fatalf("second consume: got %v, want ErrBackupCodeInvalid", err)
	}
	if err := s.ConsumeBackupCode(ctx, "ghost", spend); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("unknown user: got %v, want ErrUserNotFound", err)
	}
}

func TestConsumeBackupCodeSingleWinner(t *testing.T) {
	s := New()
	ctx := context.Background()

	hash := sha256.Sum256([]byte("code-1"))
	user := testUser("u1", "a@example.com")
	user.MFAEnabled = true
	user.BackupCodeHashes = [][32]byte{hash}
	if err := s.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	const attempts = 16
	results := make(chan error, attempts)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		go func() {
			<-start
			results <- s.ConsumeBackupCode(ctx, "u1", hash)
		}()
	}
	close(start)

	wins := 0
	for i := 0; i < attempts; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, authkit.ErrBackupCodeInvalid):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("code consumed %d times, want exactly 1", wins)
	}

	stored, _ := s.GetUserByID(ctx, "u1")
	if len(stored.BackupCodeHashes) != 0 {
		t.Fatalf("hash survived consumption: %v", stored.BackupCodeHashes)
	}
}
