package authkit

import (
	"context"
	"errors"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/redis/go-redis/v9"

	"github.com/signalpost/authkit/challenge"
	"github.com/signalpost/authkit/mail"
	"github.com/signalpost/authkit/oidcclient"
	"github.com/signalpost/authkit/password"
	"github.com/signalpost/authkit/session"
	"github.com/signalpost/authkit/token"
)

// Builder assembles an [Engine] from configuration and external
// dependencies. A builder is single-use.
type Builder struct {
	config Config

	redis  redis.UniversalClient
	store  Store
	mailer mail.Sender

	auditSink AuditSink

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the builder's configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing sessions and challenges.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the durable persistence backend.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithMailer sets the outbound email sender. The engine wraps it with
// the retry policy from [MailConfig].
func (b *Builder) WithMailer(sender mail.Sender) *Builder {
	b.mailer = sender
	return b
}

// WithAuditSink sets the destination for audit events.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// Build validates the configuration, parses key material, runs OIDC
// discovery for every configured provider, and returns a ready Engine.
// ctx bounds the discovery calls.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}
	if b.mailer == nil {
		return nil, errors.New("mail sender required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokens, err := token.NewManager(token.Config{
		Issuer:               cfg.Token.Issuer,
		Audience:             cfg.Token.Audience,
		Leeway:               cfg.Token.Leeway,
		AccessTTL:            cfg.Token.AccessTTL,
		RefreshTTL:           cfg.Token.RefreshTTL,
		MFATTL:               cfg.Token.MFATTL,
		MagicLinkTTL:         cfg.Token.MagicLinkTTL,
		AccessPrivateKeyPEM:  cfg.Token.AccessPrivateKeyPEM,
		AccessPublicKeyPEM:   cfg.Token.AccessPublicKeyPEM,
		RefreshPrivateKeyPEM: cfg.Token.RefreshPrivateKeyPEM,
		RefreshPublicKeyPEM:  cfg.Token.RefreshPublicKeyPEM,
		MFASecret:            cfg.Token.MFASecret,
		MagicLinkSecret:      cfg.Token.MagicLinkSecret,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	}, cfg.Password.Pepper)
	if err != nil {
		return nil, err
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		return nil, err
	}

	providers := make(map[string]*oidcclient.Client, len(cfg.OIDC.Providers))
	for _, pc := range cfg.OIDC.Providers {
		if _, dup := providers[pc.Name]; dup {
			return nil, errors.New("duplicate oidc provider: " + pc.Name)
		}
		client, err := oidcclient.New(ctx, pc)
		if err != nil {
			return nil, err
		}
		providers[pc.Name] = client
	}

	engine := &Engine{
		config:     cfg,
		store:      b.store,
		sessions:   session.NewStore(b.redis, cfg.Session.RedisPrefix),
		challenges: challenge.NewStore(b.redis, cfg.Challenge.RedisPrefix),
		tokens:     tokens,
		hasher:     hasher,
		totp:       newTOTPManager(cfg.TOTP),
		webauthn:   wa,
		providers:  providers,
		mailer:     mail.NewRetryingSender(b.mailer, cfg.Mail.Retry),
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    NewMetrics(cfg.Metrics),
	}

	b.built = true

	return engine, nil
}
