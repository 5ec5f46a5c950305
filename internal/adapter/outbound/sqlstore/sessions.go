package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/session"
)

var _ session.SessionStore = (*Store)(nil)

const sessionColumns = `id, user_id, created_at, last_active_at, trust_level, stepped_up_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var (
		sess              session.Session
		created, lastSeen int64
		steppedUp         sql.NullInt64
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &created, &lastSeen, &sess.TrustLevelAtIssue, &steppedUp); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMicros(created)
	sess.LastActiveAt = fromMicros(lastSeen)
	if steppedUp.Valid {
		t := fromMicros(steppedUp.Int64)
		sess.SteppedUpAt = &t
	}
	return &sess, nil
}

func steppedUpValue(sess *session.Session) sql.NullInt64 {
	if sess.SteppedUpAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMicros(*sess.SteppedUpAt), Valid: true}
}

// Insert stores a session while enforcing limit inside one transaction.
// On PostgreSQL a transaction-scoped advisory lock keyed by the user
// serializes concurrent logins of the same user.
func (s *Store) Insert(ctx context.Context, sess *session.Session, limit session.Limit) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, sess.UserID); err != nil {
			return nil, unavailable(err)
		}
	}

	cutoff := limit.Now.Add(-limit.Timeout)
	if _, err := tx.ExecContext(ctx, `delete from sessions where user_id = $1 and last_active_at < $2`, sess.UserID, toMicros(cutoff)); err != nil {
		return nil, unavailable(err)
	}

	var evicted []string
	if limit.Max > 0 {
		live, err := liveIDs(ctx, tx, sess.UserID)
		if err != nil {
			return nil, err
		}
		if len(live) >= limit.Max {
			if limit.Policy == session.PolicyRejectNew {
				return nil, session.ErrSessionLimitReached
			}
			for _, id := range live[:len(live)-limit.Max+1] {
				if _, err := tx.ExecContext(ctx, `delete from sessions where id = $1`, id); err != nil {
					return nil, unavailable(err)
				}
				evicted = append(evicted, id)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.UserID, toMicros(sess.CreatedAt), toMicros(sess.LastActiveAt), sess.TrustLevelAtIssue, steppedUpValue(sess)); err != nil {
		return nil, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return evicted, nil
}

func liveIDs(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `select id from sessions where user_id = $1 order by created_at, id`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// Get retrieves a session by ID regardless of expiry.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return sess, nil
}

// Touch advances last_active_at only, so it cannot clobber a concurrent
// step-up.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	ts := toMicros(at)
	return s.execSession(ctx, `
		update sessions set last_active_at = case when last_active_at < $1 then $1 else last_active_at end
		where id = $2
	`, ts, id)
}

// MarkSteppedUp sets stepped_up_at and advances last_active_at.
func (s *Store) MarkSteppedUp(ctx context.Context, id string, at time.Time) error {
	ts := toMicros(at)
	return s.execSession(ctx, `
		update sessions set stepped_up_at = $1,
			last_active_at = case when last_active_at < $1 then $1 else last_active_at end
		where id = $2
	`, ts, id)
}

// execSession runs a single-row session update and maps a missing row to
// ErrSessionNotFound.
func (s *Store) execSession(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `delete from sessions where id = $1`, id); err != nil {
		return unavailable(err)
	}
	return nil
}

// ListByUser returns the user's sessions, oldest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+` from sessions
		where user_id = $1
		order by created_at, id
	`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

// DeleteIdleSince removes sessions whose last activity is before cutoff.
func (s *Store) DeleteIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from sessions where last_active_at < $1`, toMicros(cutoff))
	if err != nil {
		return 0, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}
