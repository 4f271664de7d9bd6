package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	authkit "github.com/signalpost/authkit"
)

// Store is an in-memory implementation of [authkit.Store] for tests and
// single-process deployments. A coarse mutex stands in for the
// transaction boundary: every multi-entity method is atomic under it.
type Store struct {
	mu sync.RWMutex

	users    map[string]*authkit.User  // by id
	byEmail  map[string]string         // email -> id
	passkeys map[string]*authkit.Passkey
	codes    map[string]*authkit.VerificationCode // by user id
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]*authkit.User),
		byEmail:  make(map[string]string),
		passkeys: make(map[string]*authkit.Passkey),
		codes:    make(map[string]*authkit.VerificationCode),
	}
}

func cloneUser(u *authkit.User) *authkit.User {
	out := *u
	out.PriorHashes = append([]string(nil), u.PriorHashes...)
	out.TOTPSecret = append([]byte(nil), u.TOTPSecret...)
	out.BackupCodeHashes = append([][32]byte(nil), u.BackupCodeHashes...)
	out.AuthMethods = append([]authkit.AuthMethod(nil), u.AuthMethods...)
	return &out
}

func clonePasskey(pk *authkit.Passkey) *authkit.Passkey {
	out := *pk
	out.CredentialID = append([]byte(nil), pk.CredentialID...)
	out.PublicKey = append([]byte(nil), pk.PublicKey...)
	out.Transports = append([]string(nil), pk.Transports...)
	return &out
}

func (s *Store) CreateUser(_ context.Context, user *authkit.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(user)
}

func (s *Store) createUserLocked(user *authkit.User) error {
	if _, exists := s.byEmail[user.Email]; exists {
		return authkit.ErrUserExists
	}
	if _, exists := s.users[user.ID]; exists {
		return authkit.ErrUserExists
	}
	s.users[user.ID] = cloneUser(user)
	s.byEmail[user.Email] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*authkit.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, authkit.ErrUserNotFound
	}
	return cloneUser(user), nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*authkit.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, authkit.ErrUserNotFound
	}
	return cloneUser(s.users[id]), nil
}

func (s *Store) UpdateUser(_ context.Context, user *authkit.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[user.ID]
	if !ok {
		return authkit.ErrUserNotFound
	}
	if existing.Email != user.Email {
		if _, taken := s.byEmail[user.Email]; taken {
			return authkit.ErrUserExists
		}
		delete(s.byEmail, existing.Email)
		s.byEmail[user.Email] = user.ID
	}
	s.users[user.ID] = cloneUser(user)
	return nil
}

func (s *Store) CreateUserIfAbsent(_ context.Context, user *authkit.User) (*authkit.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, exists := s.byEmail[user.Email]; exists {
		return cloneUser(s.users[id]), false, nil
	}
	if err := s.createUserLocked(user); err != nil {
		return nil, false, err
	}
	return cloneUser(user), true, nil
}

func (s *Store) CreateUserWithPasskey(_ context.Context, user *authkit.User, pk *authkit.Passkey, code *authkit.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.passkeys[string(pk.CredentialID)]; exists {
		return authkit.ErrPasskeyExists
	}
	if err := s.createUserLocked(user); err != nil {
		return err
	}
	s.passkeys[string(pk.CredentialID)] = clonePasskey(pk)
	codeCopy := *code
	s.codes[code.UserID] = &codeCopy
	return nil
}

func (s *Store) UpsertVerificationCode(_ context.Context, code *authkit.VerificationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[code.UserID]; !ok {
		return authkit.ErrUserNotFound
	}
	codeCopy := *code
	s.codes[code.UserID] = &codeCopy
	return nil
}

func (s *Store) ConsumeVerificationCode(_ context.Context, userID string, codeHash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return authkit.ErrUserNotFound
	}
	code, ok := s.codes[userID]
	if !ok {
		return authkit.ErrCodeInvalid
	}
	if time.Now().After(code.ExpiresAt) {
		delete(s.codes, userID)
		return authkit.ErrCodeExpired
	}
	if !bytes.Equal(code.CodeHash, codeHash) {
		return authkit.ErrCodeInvalid
	}

	user.EmailVerified = true
	user.UpdatedAt = time.Now()
	delete(s.codes, userID)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return authkit.ErrUserNotFound
	}

	for i, h := range user.BackupCodeHashes {
		if h == hash {
			remaining := make([][32]byte, 0, len(user.BackupCodeHashes)-1)
			remaining = append(remaining, user.BackupCodeHashes[:i]...)
			remaining = append(remaining, user.BackupCodeHashes[i+1:]...)
			user.BackupCodeHashes = remaining
			user.UpdatedAt = time.Now()
			return nil
		}
	}
	return authkit.ErrBackupCodeInvalid
}

func (s *Store) AddPasskey(_ context.Context, pk *authkit.Passkey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[pk.UserID]
	if !ok {
		return authkit.ErrUserNotFound
	}
	if _, exists := s.passkeys[string(pk.CredentialID)]; exists {
		return authkit.ErrPasskeyExists
	}

	s.passkeys[string(pk.CredentialID)] = clonePasskey(pk)
	user.AuthMethods = user.WithMethod(authkit.MethodPasskey)
	user.UpdatedAt = time.Now()
	return nil
}

func (s *Store) GetPasskeyByCredentialID(_ context.Context, credentialID []byte) (*authkit.Passkey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.passkeys[string(credentialID)]
	if !ok {
		return nil, authkit.ErrPasskeyNotFound
	}
	return clonePasskey(pk), nil
}

func (s *Store) ListPasskeysByUser(_ context.Context, userID string) ([]*authkit.Passkey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*authkit.Passkey
	for _, pk := range s.passkeys {
		if pk.UserID == userID {
			out = append(out, clonePasskey(pk))
		}
	}
	return out, nil
}

func (s *Store) UpdatePasskeySignCount(_ context.Context, credentialID []byte, signCount uint32, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pk, ok := s.passkeys[string(credentialID)]
	if !ok {
		return authkit.ErrPasskeyNotFound
	}
	pk.SignCount = signCount
	pk.LastUsedAt = lastUsedAt
	return nil
}

func (s *Store) DeletePasskey(_ context.Context, ownerID string, credentialID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, ok := s.passkeys[string(credentialID)]
	if !ok {
		return authkit.ErrPasskeyNotFound
	}
	if pk.UserID != ownerID {
		return authkit.ErrForbidden
	}
	delete(s.passkeys, string(credentialID))
	return nil
}
