package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"verifybot/internal/db"
	"verifybot/internal/user/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a user repository backed by the given pooled handle.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) UserExists(ctx context.Context, id string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, db.Wrap(err)
	}
	return exists, nil
}

// CreateUser relies on ON CONFLICT DO NOTHING so a concurrent create for the same id
// surfaces as ErrConflict rather than a unique violation.
func (r *PostgresRepository) CreateUser(ctx context.Context, id string) (*domain.User, error) {
	query :=
		`INSERT INTO users (id) VALUES ($1)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING state, created_at, updated_at`

	u := &domain.User{ID: id}
	var state string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&state, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrConflict
		}
		return nil, db.Wrap(err)
	}
	if u.State, err = domain.ParseState(state); err != nil {
		return nil, db.Wrap(err)
	}
	return u, nil
}

func (r *PostgresRepository) GetUser(ctx context.Context, id string) (*domain.User, error) {
	query :=
		`SELECT id, email, state, array_to_string(otps, ','), created_at, updated_at
		 FROM users WHERE id = $1`

	u := &domain.User{}
	var (
		email sql.NullString
		state string
		otps  string
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &email, &state, &otps, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, db.Wrap(err)
	}
	if email.Valid {
		u.Email = email.String
	}
	if u.State, err = domain.ParseState(state); err != nil {
		return nil, db.Wrap(err)
	}
	if u.OTPs, err = parseOTPs(otps); err != nil {
		return nil, db.Wrap(err)
	}
	return u, nil
}

func (r *PostgresRepository) GetUserState(ctx context.Context, id string) (domain.State, bool, error) {
	query := `SELECT state FROM users WHERE id = $1`

	var state string
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, db.Wrap(err)
	}
	s, err := domain.ParseState(state)
	if err != nil {
		return "", false, db.Wrap(err)
	}
	return s, true, nil
}

func (r *PostgresRepository) SetUserState(ctx context.Context, id string, state domain.State) error {
	if !state.Valid() {
		return fmt.Errorf("set state: invalid state %q", state)
	}
	query := `UPDATE users SET state = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, string(state))
}

func (r *PostgresRepository) SetEmail(ctx context.Context, id, email string) error {
	query := `UPDATE users SET email = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, email)
}

func (r *PostgresRepository) EmailInUse(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE state = 'verified' AND email = $1)`

	var inUse bool
	if err := r.db.QueryRowContext(ctx, query, email).Scan(&inUse); err != nil {
		return false, db.Wrap(err)
	}
	return inUse, nil
}

func (r *PostgresRepository) AddOTP(ctx context.Context, id string, code int64) error {
	query := `UPDATE users SET otps = array_append(otps, $2::integer), updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, code)
}

func (r *PostgresRepository) OTPMatches(ctx context.Context, id string, code int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND $2::integer = ANY (otps))`

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, id, code).Scan(&ok); err != nil {
		return false, db.Wrap(err)
	}
	return ok, nil
}

func (r *PostgresRepository) ClearOTPs(ctx context.Context, id string) error {
	query := `UPDATE users SET otps = '{}', updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *PostgresRepository) IssueOTP(ctx context.Context, id, email string, code int64, replace bool) error {
	query :=
		`UPDATE users SET email = $2,
		   otps = CASE WHEN $4::boolean THEN ARRAY[$3::integer] ELSE array_append(otps, $3::integer) END,
		   state = 'querying_otp', updated_at = now()
		 WHERE id = $1`
	return r.execOne(ctx, query, id, email, code, replace)
}

func (r *PostgresRepository) Reset(ctx context.Context, id string) error {
	query :=
		`UPDATE users SET state = 'querying_email', email = NULL, otps = '{}', updated_at = now()
		 WHERE id = $1`
	return r.execOne(ctx, query, id)
}

func (r *PostgresRepository) CompleteVerification(ctx context.Context, id string) error {
	query :=
		`UPDATE users SET state = 'verified', otps = '{}', updated_at = now()
		 WHERE id = $1 AND email IS NOT NULL`
	err := r.execOne(ctx, query, id)
	if db.IsUniqueViolation(err) {
		return domain.ErrConflict
	}
	return err
}

func (r *PostgresRepository) ListVerifiedIDs(ctx context.Context) ([]string, error) {
	query := `SELECT id FROM users WHERE state = 'verified'`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, db.Wrap(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, db.Wrap(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err)
	}
	return ids, nil
}

// execOne runs an UPDATE that must touch exactly the row for id.
func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return db.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return db.Wrap(err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func parseOTPs(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse otp %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
