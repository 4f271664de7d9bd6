package authkit_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base32"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	authkit "github.com/signalpost/authkit"
	"github.com/signalpost/authkit/mail"
	"github.com/signalpost/authkit/stores/memory"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (c *captureSender) Send(_ context.Context, msg mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *captureSender) last(t *testing.T) mail.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no mail captured")
	}
	return c.msgs[len(c.msgs)-1]
}

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
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM
}

func testConfig(t *testing.T) authkit.Config {
	t.Helper()

	cfg := authkit.DefaultConfig()
	cfg.Token.AccessPrivateKeyPEM, cfg.Token.AccessPublicKeyPEM = testKeyPEM(t)
	cfg.Token.RefreshPrivateKeyPEM, cfg.Token.RefreshPublicKeyPEM = testKeyPEM(t)
	cfg.Token.MFASecret = bytes.Repeat([]byte{0x5a}, 32)
	cfg.Token.MagicLinkSecret = bytes.Repeat([]byte{0xa5}, 32)
	cfg.Password.Pepper = bytes.Repeat([]byte{0x17}, 32)
	cfg.WebAuthn.RPID = "localhost"
	cfg.WebAuthn.RPDisplayName = "authkit test"
	cfg.WebAuthn.RPOrigins = []string{"http://localhost"}
	cfg.Mail.BaseURL = "http://localhost"
	cfg.Mail.From = "auth@localhost"
	return cfg
}

type testEnv struct {
	engine *authkit.Engine
	mailer *captureSender
	store  *memory.Store
}

func newTestEnv(t *testing.T, mutate func(*authkit.Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	mailer := &captureSender{}
	store := memory.New()

	engine, err := authkit.New().
		WithConfig(cfg).
		WithRedis(client).
		WithStore(store).
		WithMailer(mailer).
		Build(context.Background())
	if err != nil {
		t.Fatalf("engine build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, mailer: mailer, store: store}
}

var (
	verifyCodeRe = regexp.MustCompile(`<strong>(\d{6})</strong>`)
	magicLinkRe  = regexp.MustCompile(`/magic-link/verify/([A-Za-z0-9._~-]+)"`)
	resetLinkRe  = regexp.MustCompile(`/password/reset/([A-Za-z0-9._~-]+)"`)
)

func (env *testEnv) lastVerificationCode(t *testing.T) string {
	t.Helper()
	m := verifyCodeRe.FindStringSubmatch(env.mailer.last(t).HTML)
	if m == nil {
		t.Fatalf("no verification code in mail: %q", env.mailer.last(t).HTML)
	}
	return m[1]
}

func (env *testEnv) lastMagicLinkToken(t *testing.T) string {
	t.Helper()
	m := magicLinkRe.FindStringSubmatch(env.mailer.last(t).HTML)
	if m == nil {
		t.Fatalf("no magic link in mail: %q", env.mailer.last(t).HTML)
	}
	return m[1]
}

func (env *testEnv) lastResetToken(t *testing.T) string {
	t.Helper()
	m := resetLinkRe.FindStringSubmatch(env.mailer.last(t).HTML)
	if m == nil {
		t.Fatalf("no reset link in mail: %q", env.mailer.last(t).HTML)
	}
	return m[1]
}

const (
	testEmail    = "ada@example.com"
	testPassword = "correct horse battery"
)

// registerVerified walks a user through registration and email
// verification, leaving a login-ready account.
func (env *testEnv) registerVerified(t *testing.T) *authkit.User {
	t.Helper()
	ctx := context.Background()

	user, err := env.engine.Register(ctx, testEmail, "Ada", testPassword)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	code := env.lastVerificationCode(t)
	if err := env.engine.VerifyEmail(ctx, testEmail, code); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	return user
}

func (env *testEnv) login(t *testing.T) *authkit.LoginResult {
	t.Helper()
	result, err := env.engine.Login(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return result
}

// totpCode derives the RFC 6238 SHA1 code for a base32 secret at now,
// matching the engine's default TOTP parameters.
func totpCode(t *testing.T, secretBase32 string) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode totp secret: %v", err)
	}
	counter := uint64(time.Now().Unix() / 30)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", bin%1000000)
}
