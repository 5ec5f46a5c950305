package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Sentinel-Gate/trustgate/internal/domain/audit"
	"github.com/Sentinel-Gate/trustgate/internal/domain/rbac"
	"github.com/Sentinel-Gate/trustgate/internal/port/outbound"
)

var _ outbound.Repository = (*Store)(nil)

const userColumns = `id, username, password_hash, otp_secret, preferred_step_up, disabled, created_at`

func scanUser(row interface{ Scan(...any) error }) (*rbac.User, error) {
	var (
		u       rbac.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.OTPSecret, &u.PreferredStepUp, &u.Disabled, &created); err != nil {
		return nil, classify(err)
	}
	u.CreatedAt = fromMicros(created)
	return &u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*rbac.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
}

// GetUserByName retrieves a user by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*rbac.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `select `+userColumns+` from users where username = $1`, username))
}

// UpsertUser creates or replaces a user keyed by ID.
func (s *Store) UpsertUser(ctx context.Context, u rbac.User) error {
	_, err := s.db.ExecContext(ctx, `
		insert into users (`+userColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (id) do update set
			username = excluded.username,
			password_hash = excluded.password_hash,
			otp_secret = excluded.otp_secret,
			preferred_step_up = excluded.preferred_step_up,
			disabled = excluded.disabled
	`, u.ID, u.Username, u.PasswordHash, u.OTPSecret, u.PreferredStepUp, u.Disabled, toMicros(u.CreatedAt))
	return classify(err)
}

// GetRolesByUser returns the user's role names in name order.
func (s *Store) GetRolesByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select role_name from role_assignments
		where user_id = $1
		order by role_name
	`, userID)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, unavailable(err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return names, nil
}

// ListRoles returns every role in name order.
func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select name, level, permissions, inherits, is_system, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var result []rbac.Role
	for rows.Next() {
		var (
			r                 rbac.Role
			perms, inherits   string
			created, modified int64
		)
		if err := rows.Scan(&r.Name, &r.Level, &perms, &inherits, &r.IsSystem, &created, &modified); err != nil {
			return nil, unavailable(err)
		}
		if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions of role %q: %w", r.Name, err)
		}
		if err := json.Unmarshal([]byte(inherits), &r.Inherits); err != nil {
			return nil, fmt.Errorf("decode parents of role %q: %w", r.Name, err)
		}
		r.CreatedAt = fromMicros(created)
		r.UpdatedAt = fromMicros(modified)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

// UpsertRole creates or replaces a role keyed by name.
func (s *Store) UpsertRole(ctx context.Context, r rbac.Role) error {
	perms, err := json.Marshal(nonNil(r.Permissions))
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	inherits, err := json.Marshal(nonNil(r.Inherits))
	if err != nil {
		return fmt.Errorf("marshal parents: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (name, level, permissions, inherits, is_system, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (name) do update set
			level = excluded.level,
			permissions = excluded.permissions,
			inherits = excluded.inherits,
			is_system = excluded.is_system,
			updated_at = excluded.updated_at
	`, r.Name, r.Level, string(perms), string(inherits), r.IsSystem, toMicros(r.CreatedAt), toMicros(r.UpdatedAt))
	return classify(err)
}

// DeleteRole removes a role and its assignments in one transaction.
func (s *Store) DeleteRole(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_assignments where role_name = $1`, name); err != nil {
		return unavailable(err)
	}
	if _, err := tx.ExecContext(ctx, `delete from roles where name = $1`, name); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// ListPermissions returns every permission in name order.
func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select name, resource, action, scope, conditions, version
		from permissions
		order by name
	`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var result []rbac.Permission
	for rows.Next() {
		var (
			p                 rbac.Permission
			scope, conditions string
		)
		if err := rows.Scan(&p.Name, &p.Resource, &p.Action, &scope, &conditions, &p.Version); err != nil {
			return nil, unavailable(err)
		}
		if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
			return nil, fmt.Errorf("decode scope of permission %q: %w", p.Name, err)
		}
		if err := json.Unmarshal([]byte(conditions), &p.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions of permission %q: %w", p.Name, err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

// UpsertPermission creates or replaces a permission keyed by name.
func (s *Store) UpsertPermission(ctx context.Context, p rbac.Permission) error {
	scope, err := json.Marshal(nonNil(p.Scope))
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into permissions (name, resource, action, scope, conditions, version)
		values ($1, $2, $3, $4, $5, $6)
		on conflict (name) do update set
			resource = excluded.resource,
			action = excluded.action,
			scope = excluded.scope,
			conditions = excluded.conditions,
			version = excluded.version
	`, p.Name, p.Resource, p.Action, string(scope), string(conditions), p.Version)
	return classify(err)
}

// DeletePermission removes a permission.
func (s *Store) DeletePermission(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `delete from permissions where name = $1`, name); err != nil {
		return unavailable(err)
	}
	return nil
}

// AssignRole links a user to a role. Idempotent.
func (s *Store) AssignRole(ctx context.Context, userID, roleName string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into role_assignments (user_id, role_name, assigned_at)
		values ($1, $2, $3)
		on conflict (user_id, role_name) do nothing
	`, userID, roleName, toMicros(time.Now().UTC()))
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

// UnassignRole removes a link. Idempotent.
func (s *Store) UnassignRole(ctx context.Context, userID, roleName string) error {
	if _, err := s.db.ExecContext(ctx, `delete from role_assignments where user_id = $1 and role_name = $2`, userID, roleName); err != nil {
		return unavailable(err)
	}
	return nil
}

// AppendSecurityEvents inserts events in order inside one transaction.
func (s *Store) AppendSecurityEvents(ctx context.Context, events ...audit.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into security_events
			(id, sequence, type, severity, severity_rank, user_id, session_id, context, details, occurred_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do nothing
	`)
	if err != nil {
		return unavailable(err)
	}
	defer stmt.Close()

	for _, e := range events {
		rc, err := json.Marshal(e.Context)
		if err != nil {
			return fmt.Errorf("marshal event context: %w", err)
		}
		details, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, int64(e.Sequence), string(e.Type), string(e.Severity), e.Severity.Rank(),
			e.UserID, e.SessionID, string(rc), string(details), toMicros(e.Timestamp),
		); err != nil {
			return unavailable(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// GetRecentSecurityEvents returns matching events, newest first.
func (s *Store) GetRecentSecurityEvents(ctx context.Context, filter audit.EventFilter) ([]audit.SecurityEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.MinSeverity != "" {
		add("severity_rank >= $%d", filter.MinSeverity.Rank())
	}
	if !filter.Since.IsZero() {
		add("occurred_at >= $%d", toMicros(filter.Since))
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			args = append(args, string(t))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "type in ("+strings.Join(placeholders, ", ")+")")
	}

	query := `select id, sequence, type, severity, user_id, session_id, context, details, occurred_at from security_events`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" order by id desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var result []audit.SecurityEvent
	for rows.Next() {
		var (
			e           audit.SecurityEvent
			seq, at     int64
			rc, details string
		)
		if err := rows.Scan(&e.ID, &seq, &e.Type, &e.Severity, &e.UserID, &e.SessionID, &rc, &details, &at); err != nil {
			return nil, unavailable(err)
		}
		if err := json.Unmarshal([]byte(rc), &e.Context); err != nil {
			return nil, fmt.Errorf("decode event context: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode event details: %w", err)
		}
		e.Sequence = uint64(seq)
		e.Timestamp = fromMicros(at)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
