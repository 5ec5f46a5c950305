// Package sqlstore implements the repository and session store on
// database/sql. SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are
// supported with one portable schema.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

//go:embed schema.sql
var schema string

// Dialect names a database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "pgx"
)

const pgErrUniqueViolation = "23505"

// Store is a SQL-backed outbound.Repository and session.SessionStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open opens a connection pool for dialect. The pool is not contacted until Connect.
func Open(dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection serializes transactions.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return New(db, dialect, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{db: db, dialect: dialect, logger: logger}
}

// Connect verifies connectivity and applies the schema.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.logger.Info("sql store connected", "dialect", s.dialect)
	return nil
}

// Disconnect closes the pool.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.db.Close()
}

// unavailable wraps a driver failure as outbound.ErrStoreUnavailable.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", outbound.ErrStoreUnavailable, err)
}

// classify maps driver errors onto domain errors.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return rbac.ErrNotFound
	case isUniqueViolation(err):
		return rbac.ErrDuplicateName
	default:
		return unavailable(err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
