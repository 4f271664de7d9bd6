// Command authd runs the authkit engine behind its REST surface.
//
// Configuration is environment-driven. With DATABASE_URL set the
// durable store is Postgres (migrations run at boot); without it an
// in-memory store is used, which only makes sense for local
// development. Sessions and challenges always live in Redis.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	authkit "github.com/signalpost/authkit"
	"github.com/signalpost/authkit/httpapi"
	"github.com/signalpost/authkit/oidcclient"
	"github.com/signalpost/authkit/stores/memory"
	"github.com/signalpost/authkit/stores/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("authd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(logger *slog.Logger) error {
	env, err := loadEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     env.redisAddr,
		Password: env.redisPassword,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	var store authkit.Store
	if env.databaseURL != "" {
		pg, err := postgres.Open(env.databaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		go purgeLoop(ctx, logger, pg)
		store = pg
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	cfg, err := env.engineConfig()
	if err != nil {
		return err
	}

	engine, err := authkit.New().
		WithConfig(cfg).
		WithRedis(redisClient).
		WithStore(store).
		WithMailer(env.mailer(logger)).
		WithAuditSink(authkit.NewJSONWriterSink(os.Stdout)).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("engine build: %w", err)
	}
	defer engine.Close()

	api := httpapi.New(engine, httpapi.Config{
		CookieDomain: env.cookieDomain,
		CookieSecure: strings.HasPrefix(env.baseURL, "https://"),
		Logger:       logger,
	})
	defer api.Close()

	srv := &http.Server{
		Addr:              ":" + env.port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// purgeLoop periodically drops expired verification codes so the table
// does not accrete rows for users who never verified.
func purgeLoop(ctx context.Context, logger *slog.Logger, pg *postgres.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := pg.PurgeExpiredCodes(ctx)
			if err != nil {
				logger.Warn("code purge failed", slog.String("error", err.Error()))
				continue
			}
			if removed > 0 {
				logger.Info("purged expired verification codes", slog.Int64("count", removed))
			}
		}
	}
}

type envConfig struct {
	port          string
	baseURL       string
	cookieDomain  string
	redisAddr     string
	redisPassword string
	databaseURL   string

	accessPrivateKeyFile  string
	accessPublicKeyFile   string
	refreshPrivateKeyFile string
	refreshPublicKeyFile  string
	mfaSecret             string
	magicLinkSecret       string
	passwordPepper        string

	rpID      string
	rpOrigins []string

	mailFrom string
	smtpAddr string
	smtpUser string
	smtpPass string

	oidcProviders []oidcclient.ProviderConfig
}

func loadEnv() (*envConfig, error) {
	env := &envConfig{}
	var missing []string

	require := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	env.baseURL = require("BASE_URL")
	env.passwordPepper = require("PASSWORD_PEPPER")
	env.mfaSecret = require("MFA_SECRET")
	env.magicLinkSecret = require("MAGIC_LINK_SECRET")
	env.accessPrivateKeyFile = require("ACCESS_PRIVATE_KEY_FILE")
	env.accessPublicKeyFile = require("ACCESS_PUBLIC_KEY_FILE")
	env.refreshPrivateKeyFile = require("REFRESH_PRIVATE_KEY_FILE")
	env.refreshPublicKeyFile = require("REFRESH_PUBLIC_KEY_FILE")
	env.rpID = require("WEBAUTHN_RP_ID")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	env.port = getEnv("PORT", "8080")
	env.cookieDomain = getEnv("COOKIE_DOMAIN", "")
	env.redisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	env.redisPassword = os.Getenv("REDIS_PASSWORD")
	env.databaseURL = os.Getenv("DATABASE_URL")
	env.mailFrom = getEnv("MAIL_FROM", "no-reply@"+env.rpID)
	env.smtpAddr = os.Getenv("SMTP_ADDR")
	env.smtpUser = os.Getenv("SMTP_USER")
	env.smtpPass = os.Getenv("SMTP_PASSWORD")

	if origins := os.Getenv("WEBAUTHN_ORIGINS"); origins != "" {
		env.rpOrigins = strings.Split(origins, ",")
	} else {
		env.rpOrigins = []string{env.baseURL}
	}

	for _, name := range splitNonEmpty(os.Getenv("OIDC_PROVIDERS")) {
		upper := strings.ToUpper(name)
		provider := oidcclient.ProviderConfig{
			Name:         name,
			IssuerURL:    os.Getenv("OIDC_" + upper + "_ISSUER_URL"),
			ClientID:     os.Getenv("OIDC_" + upper + "_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_" + upper + "_CLIENT_SECRET"),
			RedirectURL:  os.Getenv("OIDC_" + upper + "_REDIRECT_URL"),
		}
		if provider.IssuerURL == "" || provider.ClientID == "" {
			return nil, fmt.Errorf("oidc provider %q is missing issuer or client id", name)
		}
		env.oidcProviders = append(env.oidcProviders, provider)
	}

	return env, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (env *envConfig) engineConfig() (authkit.Config, error) {
	cfg := authkit.DefaultConfig()

	readKey := func(path string, dst *[]byte) error {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read key %s: %w", path, err)
		}
		*dst = raw
		return nil
	}
	if err := readKey(env.accessPrivateKeyFile, &cfg.Token.AccessPrivateKeyPEM); err != nil {
		return cfg, err
	}
	if err := readKey(env.accessPublicKeyFile, &cfg.Token.AccessPublicKeyPEM); err != nil {
		return cfg, err
	}
	if err := readKey(env.refreshPrivateKeyFile, &cfg.Token.RefreshPrivateKeyPEM); err != nil {
		return cfg, err
	}
	if err := readKey(env.refreshPublicKeyFile, &cfg.Token.RefreshPublicKeyPEM); err != nil {
		return cfg, err
	}

	cfg.Token.MFASecret = []byte(env.mfaSecret)
	cfg.Token.MagicLinkSecret = []byte(env.magicLinkSecret)
	cfg.Password.Pepper = []byte(env.passwordPepper)

	cfg.WebAuthn.RPID = env.rpID
	cfg.WebAuthn.RPDisplayName = env.rpID
	cfg.WebAuthn.RPOrigins = env.rpOrigins

	cfg.Mail.From = env.mailFrom
	cfg.Mail.BaseURL = env.baseURL

	cfg.OIDC.Providers = env.oidcProviders

	return cfg, nil
}
