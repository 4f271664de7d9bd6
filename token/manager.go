package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind selects one of the four signing contexts managed by a [Manager].
type Kind uint8

const (
	// KindAccess is the short-lived API credential, signed with the access keypair.
	KindAccess Kind = iota
	// KindRefresh is the long-lived rotation credential, signed with its own keypair.
	KindRefresh
	// KindMFA is the short-lived second-factor handoff token (symmetric).
	KindMFA
	// KindMagicLink is the email-delivered single-use token (symmetric).
	KindMagicLink
)

const (
	minSymmetricSecret = 32
	maxLeeway          = 2 * time.Minute
)

var (
	// ErrInvalid reports a token that failed signature, format, issuer,
	// audience, or type checks. The caller must re-authenticate.
	ErrInvalid = errors.New("token invalid")
	// ErrExpired reports a structurally valid token past its expiry. The
	// caller may attempt a refresh instead of a full re-login.
	ErrExpired = errors.New("token expired")
)

// TypeName returns the value carried in the typ claim for k.
func (k Kind) TypeName() string {
	switch k {
	case KindAccess:
		return "access"
	case KindRefresh:
		return "refresh"
	case KindMFA:
		return "mfa"
	case KindMagicLink:
		return "magic-link"
	default:
		return "unknown"
	}
}

// Claims is the single claims shape shared by all four kinds. Unused
// fields are omitted from the payload. The typ claim is always set by
// [Manager.Sign] and always enforced by [Manager.Verify].
type Claims struct {
	UserID      string `json:"uid,omitempty"`
	SessionID   string `json:"sid,omitempty"`
	ChallengeID string `json:"cid,omitempty"`
	Purpose     string `json:"prp,omitempty"`
	Email       string `json:"eml,omitempty"`
	TokenType   string `json:"typ"`
	jwt.RegisteredClaims
}

// Config carries the key material and lifetimes for all four kinds.
// Access and refresh use distinct RSA keypairs; mfa and magic-link use
// distinct HMAC secrets.
type Config struct {
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

type signingContext struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	ttl       time.Duration
	audience  string
}

// Manager signs and verifies the four typed token kinds. Each kind has
// its own key, algorithm, TTL, and audience suffix, so a token of one
// kind can never verify as another.
type Manager struct {
	issuer   string
	leeway   time.Duration
	contexts [4]signingContext
}

// NewManager validates cfg and parses all key material up front.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if cfg.Leeway < 0 || cfg.Leeway > maxLeeway {
		return nil, errors.New("invalid leeway configuration")
	}
	for _, ttl := range []time.Duration{cfg.AccessTTL, cfg.RefreshTTL, cfg.MFATTL, cfg.MagicLinkTTL} {
		if ttl <= 0 {
			return nil, errors.New("invalid TTL configuration")
		}
	}

	accessPriv, accessPub, err := parseRSAPair(cfg.AccessPrivateKeyPEM, cfg.AccessPublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("access keypair: %w", err)
	}
	refreshPriv, refreshPub, err := parseRSAPair(cfg.RefreshPrivateKeyPEM, cfg.RefreshPublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("refresh keypair: %w", err)
	}
	if len(cfg.MFASecret) < minSymmetricSecret {
		return nil, errors.New("mfa secret must be at least 32 bytes")
	}
	if len(cfg.MagicLinkSecret) < minSymmetricSecret {
		return nil, errors.New("magic-link secret must be at least 32 bytes")
	}

	m := &Manager{
		issuer: cfg.Issuer,
		leeway: cfg.Leeway,
	}
	m.contexts[KindAccess] = signingContext{
		method:    jwt.SigningMethodRS256,
		signKey:   accessPriv,
		verifyKey: accessPub,
		ttl:       cfg.AccessTTL,
		audience:  cfg.Audience,
	}
	m.contexts[KindRefresh] = signingContext{
		method:    jwt.SigningMethodRS256,
		signKey:   refreshPriv,
		verifyKey: refreshPub,
		ttl:       cfg.RefreshTTL,
		audience:  cfg.Audience + ":refresh",
	}
	m.contexts[KindMFA] = signingContext{
		method:    jwt.SigningMethodHS256,
		signKey:   cfg.MFASecret,
		verifyKey: cfg.MFASecret,
		ttl:       cfg.MFATTL,
		audience:  cfg.Audience + ":mfa",
	}
	m.contexts[KindMagicLink] = signingContext{
		method:    jwt.SigningMethodHS256,
		signKey:   cfg.MagicLinkSecret,
		verifyKey: cfg.MagicLinkSecret,
		ttl:       cfg.MagicLinkTTL,
		audience:  cfg.Audience + ":magic-link",
	}

	return m, nil
}

// TTL returns the lifetime configured for kind.
func (m *Manager) TTL(kind Kind) time.Duration {
	if m == nil || int(kind) >= len(m.contexts) {
		return 0
	}
	return m.contexts[kind].ttl
}

// Sign fills in the registered claims and typ for kind and returns the
// serialized token. Caller-provided fields (UserID, SessionID,
// ChallengeID, Purpose, Email) pass through untouched; a ChallengeID
// also becomes the token's jti, so the challenge binding is visible in
// the registered claims.
func (m *Manager) Sign(kind Kind, claims Claims) (string, error) {
	if m == nil {
		return "", errors.New("token manager not initialized")
	}
	if int(kind) >= len(m.contexts) {
		return "", errors.New("unknown token kind")
	}
	sc := m.contexts[kind]

	now := time.Now()
	claims.TokenType = kind.TypeName()
	claims.Issuer = m.issuer
	claims.Audience = jwt.ClaimStrings{sc.audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(sc.ttl))
	if claims.ID == "" {
		claims.ID = claims.ChallengeID
	}

	tok := jwt.NewWithClaims(sc.method, claims)
	return tok.SignedString(sc.signKey)
}

// Verify parses tokenStr against the signing context of kind and
// enforces algorithm, signature, issuer, audience, expiry, and the typ
// claim. A structurally valid token of the wrong kind fails with
// [ErrInvalid] even when its signature would verify under another
// context.
func (m *Manager) Verify(kind Kind, tokenStr string) (*Claims, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: manager not initialized", ErrInvalid)
	}
	if int(kind) >= len(m.contexts) {
		return nil, fmt.Errorf("%w: unknown token kind", ErrInvalid)
	}
	sc := m.contexts[kind]

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{sc.method.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(sc.audience),
		jwt.WithExpirationRequired(),
	}
	if m.leeway > 0 {
		options = append(options, jwt.WithLeeway(m.leeway))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != sc.method.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
		}
		return sc.verifyKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalid)
	}
	if claims.TokenType != kind.TypeName() {
		return nil, fmt.Errorf("%w: wrong token type %q", ErrInvalid, claims.TokenType)
	}

	return claims, nil
}

func parseRSAPair(privPEM, pubPEM []byte) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if len(privPEM) == 0 || len(pubPEM) == 0 {
		return nil, nil, errors.New("missing key material")
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(privPEM)
	if err != nil {
		return nil, nil, errors.New("invalid rsa private key")
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		return nil, nil, errors.New("invalid rsa public key")
	}
	return priv, pub, nil
}
