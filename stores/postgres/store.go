package postgres

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	authkit "github.com/signalpost/authkit"
	"github.com/signalpost/authkit/stores/postgres/migrations"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// DBTX is the subset of database/sql used by the store. Both *sql.DB
// and *sql.Tx satisfy it.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres implementation of [authkit.Store]. Multi-entity
// methods run inside a single transaction.
type Store struct {
	db *sql.DB
}

// Open connects to the database at dsn and returns a Store. Migrations
// are not run; call [Store.RunMigrations] explicitly.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMigrations applies the embedded goose migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

func (s *Store) withTx(ctx context.Context, fn func(tx DBTX) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func marshalJSON(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `id, email, name, password_hash, prior_hashes, email_verified,
	mfa_enabled, totp_secret, backup_code_hashes, auth_methods, created_at, updated_at`

func scanUser(row rowScanner) (*authkit.User, error) {
	var (
		u           authkit.User
		priorJSON   []byte
		backupJSON  []byte
		methodsJSON []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &priorJSON, &u.EmailVerified,
		&u.MFAEnabled, &u.TOTPSecret, &backupJSON, &methodsJSON, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(priorJSON, &u.PriorHashes); err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	if err := json.Unmarshal(backupJSON, &u.BackupCodeHashes); err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	if err := json.Unmarshal(methodsJSON, &u.AuthMethods); err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return &u, nil
}

const insertUserQuery = `INSERT INTO users (` + userColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func insertUser(ctx context.Context, db DBTX, user *authkit.User) error {
	prior, err := marshalJSON(user.PriorHashes)
	if err != nil {
		return err
	}
	backup, err := marshalJSON(user.BackupCodeHashes)
	if err != nil {
		return err
	}
	methods, err := marshalJSON(user.AuthMethods)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertUserQuery,
		user.ID, user.Email, user.Name, user.PasswordHash, prior, user.EmailVerified,
		user.MFAEnabled, user.TOTPSecret, backup, methods, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return authkit.ErrUserExists
		}
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, user *authkit.User) error {
	return insertUser(ctx, s.db, user)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*authkit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	user, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authkit.ErrUserNotFound
		}
		if errors.Is(err, authkit.ErrBackend) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*authkit.User, error) {
	return s.getUser(ctx, `id = $1`, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*authkit.User, error) {
	return s.getUser(ctx, `email = $1`, email)
}

const updateUserQuery = `UPDATE users SET email = $2, name = $3, password_hash = $4,
	prior_hashes = $5, email_verified = $6, mfa_enabled = $7, totp_secret = $8,
	backup_code_hashes = $9, auth_methods = $10, updated_at = $11
	WHERE id = $1`

func (s *Store) UpdateUser(ctx context.Context, user *authkit.User) error {
	prior, err := marshalJSON(user.PriorHashes)
	if err != nil {
		return err
	}
	backup, err := marshalJSON(user.BackupCodeHashes)
	if err != nil {
		return err
	}
	methods, err := marshalJSON(user.AuthMethods)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, updateUserQuery,
		user.ID, user.Email, user.Name, user.PasswordHash, prior, user.EmailVerified,
		user.MFAEnabled, user.TOTPSecret, backup, methods, user.UpdatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return authkit.ErrUserExists
		}
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	if affected == 0 {
		return authkit.ErrUserNotFound
	}
	return nil
}

const insertUserIfAbsentQuery = `INSERT INTO users (` + userColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (email) DO NOTHING`

func (s *Store) CreateUserIfAbsent(ctx context.Context, user *authkit.User) (*authkit.User, bool, error) {
	prior, err := marshalJSON(user.PriorHashes)
	if err != nil {
		return nil, false, err
	}
	backup, err := marshalJSON(user.BackupCodeHashes)
	if err != nil {
		return nil, false, err
	}
	methods, err := marshalJSON(user.AuthMethods)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, insertUserIfAbsentQuery,
		user.ID, user.Email, user.Name, user.PasswordHash, prior, user.EmailVerified,
		user.MFAEnabled, user.TOTPSecret, backup, methods, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	if affected == 1 {
		out := *user
		return &out, true, nil
	}
	existing, err := s.GetUserByEmail(ctx, user.Email)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

const insertPasskeyQuery = `INSERT INTO passkeys (id, user_id, credential_id, public_key,
	sign_count, transports, attachment, aaguid, backed_up, created_at, last_used_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func insertPasskey(ctx context.Context, db DBTX, pk *authkit.Passkey) error {
	transports, err := marshalJSON(pk.Transports)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, insertPasskeyQuery,
		pk.ID, pk.UserID, pk.CredentialID, pk.PublicKey,
		int64(pk.SignCount), transports, pk.Attachment, pk.AAGUID, pk.BackedUp,
		pk.CreatedAt, pk.LastUsedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return authkit.ErrPasskeyExists
		}
		if isPgError(err, pgForeignKeyViolation) {
			return authkit.ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return nil
}

const upsertCodeQuery = `INSERT INTO verification_codes (user_id, code_hash, created_at, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id) DO UPDATE SET code_hash = EXCLUDED.code_hash,
		created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`

func upsertCode(ctx context.Context, db DBTX, code *authkit.VerificationCode) error {
	_, err := db.ExecContext(ctx, upsertCodeQuery,
		code.UserID, code.CodeHash, code.CreatedAt, code.ExpiresAt)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return authkit.ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return nil
}

func (s *Store) CreateUserWithPasskey(ctx context.Context, user *authkit.User, pk *authkit.Passkey, code *authkit.VerificationCode) error {
	return s.withTx(ctx, func(tx DBTX) error {
		if err := insertUser(ctx, tx, user); err != nil {
			return err
		}
		if err := insertPasskey(ctx, tx, pk); err != nil {
			return err
		}
		return upsertCode(ctx, tx, code)
	})
}

func (s *Store) UpsertVerificationCode(ctx context.Context, code *authkit.VerificationCode) error {
	return upsertCode(ctx, s.db, code)
}

func (s *Store) ConsumeVerificationCode(ctx context.Context, userID string, codeHash []byte) error {
	return s.withTx(ctx, func(tx DBTX) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `SELECT TRUE FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return authkit.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}

		var (
			storedHash []byte
			expiresAt  time.Time
		)
		err = tx.QueryRowContext(ctx,
			`SELECT code_hash, expires_at FROM verification_codes WHERE user_id = $1 FOR UPDATE`,
			userID).Scan(&storedHash, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return authkit.ErrCodeInvalid
		}
		if err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}

		if time.Now().After(expiresAt) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM verification_codes WHERE user_id = $1`, userID); err != nil {
				return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
			}
			return authkit.ErrCodeExpired
		}
		if subtle.ConstantTimeCompare(storedHash, codeHash) != 1 {
			return authkit.ErrCodeInvalid
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET email_verified = TRUE, updated_at = $2 WHERE id = $1`,
			userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM verification_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		return nil
	})
}

// ConsumeBackupCode removes one backup-code hash under a row lock, so
// concurrent redemptions of the same code serialize and only the first
// finds the hash still present.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) error {
	return s.withTx(ctx, func(tx DBTX) error {
		var backupJSON []byte
		err := tx.QueryRowContext(ctx,
			`SELECT backup_code_hashes FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&backupJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return authkit.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}

		var hashes [][32]byte
		if err := json.Unmarshal(backupJSON, &hashes); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}

		found := false
		remaining := make([][32]byte, 0, len(hashes))
		for _, h := range hashes {
			if !found && h == hash {
				found = true
				continue
			}
			remaining = append(remaining, h)
		}
		if !found {
			return authkit.ErrBackupCodeInvalid
		}

		encoded, err := marshalJSON(remaining)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET backup_code_hashes = $2, updated_at = $3 WHERE id = $1`,
			userID, encoded, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		return nil
	})
}

func (s *Store) AddPasskey(ctx context.Context, pk *authkit.Passkey) error {
	return s.withTx(ctx, func(tx DBTX) error {
		var methodsJSON []byte
		err := tx.QueryRowContext(ctx,
			`SELECT auth_methods FROM users WHERE id = $1 FOR UPDATE`, pk.UserID).Scan(&methodsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return authkit.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}

		if err := insertPasskey(ctx, tx, pk); err != nil {
			return err
		}

		var methods []authkit.AuthMethod
		if err := json.Unmarshal(methodsJSON, &methods); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		stub := authkit.User{AuthMethods: methods}
		updated, err := marshalJSON(stub.WithMethod(authkit.MethodPasskey))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET auth_methods = $2, updated_at = $3 WHERE id = $1`,
			pk.UserID, updated, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		return nil
	})
}

const passkeyColumns = `id, user_id, credential_id, public_key, sign_count, transports,
	attachment, aaguid, backed_up, created_at, last_used_at`

func scanPasskey(row rowScanner) (*authkit.Passkey, error) {
	var (
		pk             authkit.Passkey
		signCount      int64
		transportsJSON []byte
	)
	err := row.Scan(&pk.ID, &pk.UserID, &pk.CredentialID, &pk.PublicKey, &signCount, &transportsJSON,
		&pk.Attachment, &pk.AAGUID, &pk.BackedUp, &pk.CreatedAt, &pk.LastUsedAt)
	if err != nil {
		return nil, err
	}
	pk.SignCount = uint32(signCount)
	if err := json.Unmarshal(transportsJSON, &pk.Transports); err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return &pk, nil
}

func (s *Store) GetPasskeyByCredentialID(ctx context.Context, credentialID []byte) (*authkit.Passkey, error) {
	query := `SELECT ` + passkeyColumns + ` FROM passkeys WHERE credential_id = $1`
	pk, err := scanPasskey(s.db.QueryRowContext(ctx, query, credentialID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authkit.ErrPasskeyNotFound
		}
		if errors.Is(err, authkit.ErrBackend) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return pk, nil
}

func (s *Store) ListPasskeysByUser(ctx context.Context, userID string) ([]*authkit.Passkey, error) {
	query := `SELECT ` + passkeyColumns + ` FROM passkeys WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	defer rows.Close()

	var out []*authkit.Passkey
	for rows.Next() {
		pk, err := scanPasskey(rows)
		if err != nil {
			if errors.Is(err, authkit.ErrBackend) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return out, nil
}

func (s *Store) UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32, lastUsedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passkeys SET sign_count = $2, last_used_at = $3 WHERE credential_id = $1`,
		credentialID, int64(signCount), lastUsedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	if affected == 0 {
		return authkit.ErrPasskeyNotFound
	}
	return nil
}

func (s *Store) DeletePasskey(ctx context.Context, ownerID string, credentialID []byte) error {
	return s.withTx(ctx, func(tx DBTX) error {
		var userID string
		err := tx.QueryRowContext(ctx,
			`SELECT user_id FROM passkeys WHERE credential_id = $1 FOR UPDATE`,
			credentialID).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return authkit.ErrPasskeyNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		if userID != ownerID {
			return authkit.ErrForbidden
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM passkeys WHERE credential_id = $1`, credentialID); err != nil {
			return fmt.Errorf("%w: %v", authkit.ErrBackend, err)
		}
		return nil
	})
}

// PurgeExpiredCodes deletes verification codes past their expiry. Meant
// to run periodically from a maintenance loop.
func (s *Store) PurgeExpiredCodes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", authkit.ErrBackend, err)
	}
	return removed, nil
}
