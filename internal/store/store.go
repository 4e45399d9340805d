package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/keygate/keygate/internal/model"
)

// Options selects the database engine backing the store.
type Options struct {
	// Driver is one of sqlite (default), postgres or mysql.
	Driver string
	// DSN is passed to the driver. For sqlite an empty DSN opens
	// DataDir/keygate.db, or an in-memory database when DataDir is empty.
	DSN     string
	DataDir string

	MaxOpenConns int
}

// Store persists credentials and their usage events.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

// NewStore opens an SQLite store under dataDir. Pass empty string for
// in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(context.Background(), Options{Driver: "sqlite", DataDir: dataDir})
}

// Open connects to the configured engine and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := lookupDialect(opts.Driver)
	if err != nil {
		return nil, err
	}

	dsn, err := buildDSN(d, opts)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.ConnectContext(ctx, d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}

	if d.name == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s store: %w", d.name, err)
	}
	return s, nil
}

func buildDSN(d dialect, opts Options) (string, error) {
	switch d.name {
	case "sqlite":
		if opts.DSN != "" {
			return opts.DSN, nil
		}
		if opts.DataDir == "" {
			return ":memory:?_txlock=immediate", nil
		}
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return "", fmt.Errorf("create data dir: %w", err)
		}
		return filepath.Join(opts.DataDir, "keygate.db") +
			"?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	case "mysql":
		if opts.DSN == "" {
			return "", errors.New("mysql store requires a DSN")
		}
		cfg, err := mysql.ParseDSN(opts.DSN)
		if err != nil {
			return "", fmt.Errorf("parse mysql dsn: %w", err)
		}
		// Timestamps scan into time.Time, and UPDATE reports matched rows
		// rather than changed rows.
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		cfg.ClientFoundRows = true
		return cfg.FormatDSN(), nil
	default:
		if opts.DSN == "" {
			return "", fmt.Errorf("%s store requires a DSN", d.name)
		}
		return opts.DSN, nil
	}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver returns the dialect name the store was opened with.
func (s *Store) Driver() string {
	return s.dialect.name
}

// withTx runs fn inside a transaction, committing if fn returns nil.
// Inside fn only tx may be used: an SQLite store has a single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Credential CRUD
// ---------------------------------------------------------------------------

const credentialColumns = `id, secret_hash, display_prefix, owner, organization, name, role, status,
	daily_quota, rate_limit_per_minute, current_daily_usage, last_quota_reset,
	created_at, last_used_at, revoked_at`

// CreateCredential inserts a new credential. SecretHash, LastQuotaReset and
// CreatedAt must already be set. The ID field is populated after insert.
// A reused hash yields ErrDuplicateHash.
func (s *Store) CreateCredential(ctx context.Context, cred *model.Credential) error {
	const q = `INSERT INTO credentials
		(secret_hash, display_prefix, owner, organization, name, role, status,
		 daily_quota, rate_limit_per_minute, current_daily_usage, last_quota_reset, created_at)
		VALUES
		(:secret_hash, :display_prefix, :owner, :organization, :name, :role, :status,
		 :daily_quota, :rate_limit_per_minute, :current_daily_usage, :last_quota_reset, :created_at)`

	if s.dialect.returningID {
		query, args, err := s.db.BindNamed(q+" RETURNING id", cred)
		if err != nil {
			return fmt.Errorf("bind credential insert: %w", err)
		}
		if err := s.db.GetContext(ctx, &cred.ID, query, args...); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateHash
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	}

	result, err := s.db.NamedExecContext(ctx, q, cred)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateHash
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get credential id: %w", err)
	}
	cred.ID = id
	return nil
}

// GetCredential returns a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id int64) (*model.Credential, error) {
	var cred model.Credential
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE id = ?")
	if err := s.db.GetContext(ctx, &cred, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

// GetCredentialByHash looks up a credential by the SHA-256 hash of its secret.
func (s *Store) GetCredentialByHash(ctx context.Context, hash string) (*model.Credential, error) {
	var cred model.Credential
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE secret_hash = ?")
	if err := s.db.GetContext(ctx, &cred, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential by hash: %w", err)
	}
	return &cred, nil
}

// ListFilter narrows ListCredentials. Zero values match everything.
type ListFilter struct {
	Owner  string
	Status model.Status
	Limit  int
}

// ListCredentials returns credentials newest first.
func (s *Store) ListCredentials(ctx context.Context, f ListFilter) ([]model.Credential, error) {
	q := "SELECT " + credentialColumns + " FROM credentials WHERE 1=1"
	var args []interface{}
	if f.Owner != "" {
		q += " AND owner = ?"
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	creds := []model.Credential{}
	if err := s.db.SelectContext(ctx, &creds, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return creds, nil
}

// CredentialUpdate holds the administratively mutable fields. Nil fields are
// left untouched. Role and status have no field here.
type CredentialUpdate struct {
	Name               *string
	Organization       *string
	DailyQuota         *int
	RateLimitPerMinute *int
}

// Empty reports whether u changes nothing.
func (u CredentialUpdate) Empty() bool {
	return u.Name == nil && u.Organization == nil && u.DailyQuota == nil && u.RateLimitPerMinute == nil
}

// UpdateCredential applies u to the credential with the given ID.
func (s *Store) UpdateCredential(ctx context.Context, id int64, u CredentialUpdate) error {
	var sets []string
	var args []interface{}
	if u.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.Organization != nil {
		sets = append(sets, "organization = ?")
		args = append(args, *u.Organization)
	}
	if u.DailyQuota != nil {
		sets = append(sets, "daily_quota = ?")
		args = append(args, *u.DailyQuota)
	}
	if u.RateLimitPerMinute != nil {
		sets = append(sets, "rate_limit_per_minute = ?")
		args = append(args, *u.RateLimitPerMinute)
	}
	if len(sets) == 0 {
		return errors.New("update credential: no fields to update")
	}
	args = append(args, id)

	q := s.db.Rebind("UPDATE credentials SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeCredential moves an active credential to revoked. It reports false
// when the credential is missing or was already revoked.
func (s *Store) RevokeCredential(ctx context.Context, id int64, now time.Time) (bool, error) {
	q := s.db.Rebind("UPDATE credentials SET status = ?, revoked_at = ? WHERE id = ? AND status = ?")
	result, err := s.db.ExecContext(ctx, q, string(model.StatusRevoked), now.UTC(), id, string(model.StatusActive))
	if err != nil {
		return false, fmt.Errorf("revoke credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke credential rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteCredential removes a credential and all of its usage events. It
// reports false when the credential does not exist.
func (s *Store) DeleteCredential(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM usage_events WHERE credential_id = ?"), id); err != nil {
			return fmt.Errorf("delete usage events: %w", err)
		}
		result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM credentials WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("delete credential: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete credential rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

// HashSecret returns the hex-encoded SHA-256 hash of a raw secret.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}
