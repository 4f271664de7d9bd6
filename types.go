package authkit

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/signalpost/authkit/internal/audit"
)

// AuthMethod names one of the trust-establishment flows a user has
// completed at least once.
type AuthMethod string

const (
	MethodPassword  AuthMethod = "password"
	MethodMagicLink AuthMethod = "magic-link"
	MethodOIDC      AuthMethod = "oidc"
	MethodPasskey   AuthMethod = "passkey"
)

// User is the durable identity record. It is treated as an immutable
// value: flows build a modified copy and persist it through
// [Store.UpdateUser] rather than mutating shared state.
type User struct {
	ID            string
	Email         string
	Name          string
	PasswordHash  string
	PriorHashes   []string
	EmailVerified bool

	MFAEnabled       bool
	TOTPSecret       []byte
	BackupCodeHashes [][32]byte

	AuthMethods []AuthMethod

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasMethod reports whether method is recorded on u.
func (u *User) HasMethod(method AuthMethod) bool {
	for _, m := range u.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// WithMethod returns u's method set with method appended once.
func (u *User) WithMethod(method AuthMethod) []AuthMethod {
	if u.HasMethod(method) {
		return u.AuthMethods
	}
	return append(append([]AuthMethod(nil), u.AuthMethods...), method)
}

// Passkey is one registered WebAuthn credential. SignCount must be
// monotonically non-decreasing across authentications.
type Passkey struct {
	ID           string
	UserID       string
	CredentialID []byte
	PublicKey    []byte
	SignCount    uint32
	Transports   []string
	Attachment   string
	AAGUID       string
	BackedUp     bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// PasskeyInfo is the metadata-only view returned by list endpoints. The
// public key is never exposed.
type PasskeyInfo struct {
	ID         string    `json:"id"`
	AAGUID     string    `json:"aaguid"`
	Attachment string    `json:"attachment"`
	Transports []string  `json:"transports"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// VerificationCode is a single-use emailed code proving mailbox
// ownership. Only the hash is stored; one pending code per user.
type VerificationCode struct {
	UserID    string
	CodeHash  []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the durable persistence interface the engine is built
// against. Implementations must return the package sentinel errors
// (ErrUserNotFound, ErrUserExists, ErrPasskeyNotFound, ErrPasskeyExists,
// ErrCodeInvalid, ErrCodeExpired, ErrForbidden) for their respective
// conditions, and run every multi-entity method as one transaction with
// full rollback on failure.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error

	// CreateUserIfAbsent inserts user unless a record with the same email
	// exists, in which case the existing record is returned untouched.
	// The bool reports whether an insert happened.
	CreateUserIfAbsent(ctx context.Context, user *User) (*User, bool, error)

	// CreateUserWithPasskey atomically creates the user, their first
	// passkey, and a pending verification code.
	CreateUserWithPasskey(ctx context.Context, user *User, pk *Passkey, code *VerificationCode) error

	// UpsertVerificationCode replaces the user's pending code, if any.
	UpsertVerificationCode(ctx context.Context, code *VerificationCode) error

	// ConsumeVerificationCode atomically checks the code hash against the
	// user's pending code, marks the email verified, and deletes the code.
	ConsumeVerificationCode(ctx context.Context, userID string, codeHash []byte) error

	// ConsumeBackupCode atomically removes one backup-code hash from the
	// user's set: a compare-and-delete, so two redemptions of the same
	// code can never both succeed. A hash that is not in the set (spent
	// or never issued) fails with ErrBackupCodeInvalid.
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) error

	// AddPasskey atomically inserts pk and records "passkey" as one of
	// the owning user's auth methods.
	AddPasskey(ctx context.Context, pk *Passkey) error
	GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*Passkey, error)
	ListPasskeysByUser(ctx context.Context, userID string) ([]*Passkey, error)
	UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32, lastUsedAt time.Time) error

	// DeletePasskey atomically removes the credential and detaches it
	// from the user. ownerID must match the stored owner.
	DeletePasskey(ctx context.Context, ownerID string, credentialID []byte) error
}

// RequestMeta is the explicit per-request context threaded into every
// engine call: no ambient request-local state exists anywhere else.
type RequestMeta struct {
	RequestID string
	ClientIP  string
	UserAgent string
}

// Principal is the authenticated caller attached after access-token
// validation.
type Principal struct {
	UserID    string
	SessionID string
}

// LoginResult is the outcome of any flow that may end in a session.
// Exactly one of three shapes is populated: tokens (full success), an
// MFA continuation token, or a pending email-verification marker.
type LoginResult struct {
	UserID    string
	SessionID string

	AccessToken  string
	RefreshToken string

	MFARequired bool
	MFAToken    string

	EmailVerificationPending bool
}

// RefreshResult is returned by [Engine.Refresh]. RefreshToken is empty
// when the session was far enough from expiry that no rotation happened.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	Rotated      bool
}

// DeleteSessionResult reports whether the removed session was the
// caller's own, so the caller can clear its cookies.
type DeleteSessionResult struct {
	WasCurrent bool
}

// TOTPSetup carries the pending secret and otpauth URI for enrollment.
type TOTPSetup struct {
	SecretBase32 string
	URI          string
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer].
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}
