package authkit

import (
	"errors"
	"time"

	"github.com/signalpost/authkit/mail"
	"github.com/signalpost/authkit/oidcclient"
)

// Config is the full engine configuration. Configure once during
// initialization and treat as immutable afterwards.
type Config struct {
	Token     TokenConfig
	Password  PasswordConfig
	Session   SessionConfig
	Challenge ChallengeConfig
	TOTP      TOTPConfig
	WebAuthn  WebAuthnConfig
	OIDC      OIDCConfig
	Mail      MailConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig carries issuer identity, per-kind lifetimes, and key
// material. Access and refresh require distinct RSA keypairs; the MFA
// and magic-link secrets must differ and be at least 32 bytes.
type TokenConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration

	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	MFATTL       time.Duration
	MagicLinkTTL time.Duration

	AccessPrivateKeyPEM  []byte
	AccessPublicKeyPEM   []byte
	RefreshPrivateKeyPEM []byte
	RefreshPublicKeyPEM  []byte
	MFASecret            []byte
	MagicLinkSecret      []byte
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig carries the argon2id parameters, the server pepper,
// and the policy knobs for length and reuse history.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	Pepper       []byte
	MinLength    int
	HistoryDepth int
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session store prefix and refresh rotation.
// Session lifetime mirrors Token.RefreshTTL. A refresh arriving with
// less than RotationThreshold of session lifetime left rotates the
// refresh token and extends the session.
type SessionConfig struct {
	RedisPrefix       string
	RotationThreshold time.Duration
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig carries per-kind lifetimes for single-use state.
type ChallengeConfig struct {
	RedisPrefix string

	MagicLinkTTL        time.Duration
	OIDCStateTTL        time.Duration
	PasskeyTTL          time.Duration
	MFALoginTTL         time.Duration
	TOTPSetupTTL        time.Duration
	VerificationCodeTTL time.Duration
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls code generation and the backup-code set.
type TOTPConfig struct {
	Issuer    string
	Digits    int
	Period    int
	Algorithm string
	Skew      int

	BackupCodeCount  int
	BackupCodeLength int
}

/*
====================================
WEBAUTHN CONFIG
====================================
*/

// WebAuthnConfig identifies the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

/*
====================================
OIDC CONFIG
====================================
*/

// OIDCConfig lists the upstream providers to build clients for.
type OIDCConfig struct {
	Providers []oidcclient.ProviderConfig
}

/*
====================================
MAIL CONFIG
====================================
*/

// MailConfig controls outbound email. BaseURL is the public origin used
// to build verification and magic-link URLs.
type MailConfig struct {
	From    string
	BaseURL string
	Retry   mail.RetryConfig
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig enables the in-process counter set.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns a Config with every lifetime and parameter at
// its production default. Key material must still be supplied.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			Issuer:       "authkit",
			Audience:     "authkit",
			Leeway:       30 * time.Second,
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   30 * 24 * time.Hour,
			MFATTL:       5 * time.Minute,
			MagicLinkTTL: 15 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:       64 * 1024,
			Time:         3,
			Parallelism:  2,
			SaltLength:   16,
			KeyLength:    32,
			MinLength:    10,
			HistoryDepth: 5,
		},
		Session: SessionConfig{
			RedisPrefix:       "as",
			RotationThreshold: 24 * time.Hour,
		},
		Challenge: ChallengeConfig{
			RedisPrefix:         "ach",
			MagicLinkTTL:        15 * time.Minute,
			OIDCStateTTL:        10 * time.Minute,
			PasskeyTTL:          5 * time.Minute,
			MFALoginTTL:         5 * time.Minute,
			TOTPSetupTTL:        10 * time.Minute,
			VerificationCodeTTL: 24 * time.Hour,
		},
		TOTP: TOTPConfig{
			Issuer:           "authkit",
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		Mail: MailConfig{
			From:  "no-reply@localhost",
			Retry: mail.DefaultRetryConfig(),
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate checks cross-field consistency. Token key material is
// validated separately by the token manager during Build.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("access and refresh TTLs must be positive")
	}
	if c.Token.AccessTTL >= c.Token.RefreshTTL {
		return errors.New("access TTL must be shorter than refresh TTL")
	}
	if c.Token.MFATTL <= 0 || c.Token.MagicLinkTTL <= 0 {
		return errors.New("mfa and magic-link TTLs must be positive")
	}
	if len(c.Password.Pepper) < 32 {
		return errors.New("password pepper must be at least 32 bytes")
	}
	if c.Password.MinLength < 10 {
		return errors.New("minimum password length below 10 is not allowed")
	}
	if c.Password.HistoryDepth < 0 {
		return errors.New("password history depth must not be negative")
	}
	if c.Session.RotationThreshold <= 0 {
		return errors.New("session rotation threshold must be positive")
	}
	if c.Session.RotationThreshold >= c.Token.RefreshTTL {
		return errors.New("rotation threshold must be shorter than refresh TTL")
	}
	if c.Challenge.MagicLinkTTL <= 0 || c.Challenge.OIDCStateTTL <= 0 ||
		c.Challenge.PasskeyTTL <= 0 || c.Challenge.MFALoginTTL <= 0 ||
		c.Challenge.TOTPSetupTTL <= 0 || c.Challenge.VerificationCodeTTL <= 0 {
		return errors.New("all challenge TTLs must be positive")
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("totp digits must be between 6 and 10")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("totp period must be positive")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("totp skew must be between 0 and 2")
	}
	if c.TOTP.BackupCodeCount <= 0 || c.TOTP.BackupCodeCount > 32 {
		return errors.New("backup code count must be between 1 and 32")
	}
	if c.TOTP.BackupCodeLength < 8 || c.TOTP.BackupCodeLength > 16 || c.TOTP.BackupCodeLength%2 != 0 {
		return errors.New("backup code length must be an even number between 8 and 16")
	}
	if c.WebAuthn.RPID == "" || len(c.WebAuthn.RPOrigins) == 0 {
		return errors.New("webauthn relying party id and origins are required")
	}
	if c.Mail.BaseURL == "" {
		return errors.New("mail base url is required")
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.AccessPrivateKeyPEM = cloneBytes(cfg.Token.AccessPrivateKeyPEM)
	out.Token.AccessPublicKeyPEM = cloneBytes(cfg.Token.AccessPublicKeyPEM)
	out.Token.RefreshPrivateKeyPEM = cloneBytes(cfg.Token.RefreshPrivateKeyPEM)
	out.Token.RefreshPublicKeyPEM = cloneBytes(cfg.Token.RefreshPublicKeyPEM)
	out.Token.MFASecret = cloneBytes(cfg.Token.MFASecret)
	out.Token.MagicLinkSecret = cloneBytes(cfg.Token.MagicLinkSecret)
	out.Password.Pepper = cloneBytes(cfg.Password.Pepper)
	out.WebAuthn.RPOrigins = append([]string(nil), cfg.WebAuthn.RPOrigins...)
	out.OIDC.Providers = append([]oidcclient.ProviderConfig(nil), cfg.OIDC.Providers...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
