package repository

import (
	"context"
	"database/sql"
	"errors"

	"verifybot/internal/db"
	"verifybot/internal/guild/domain"
)

type PostgresRepository struct {
	db db.DBTX
}

// NewPostgresRepository returns a server repository backed by the given pooled handle.
func NewPostgresRepository(conn db.DBTX) *PostgresRepository {
	return &PostgresRepository{db: conn}
}

func (r *PostgresRepository) ServerExists(ctx context.Context, id string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM servers WHERE id = $1)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, db.Wrap(err)
	}
	return exists, nil
}

func (r *PostgresRepository) UpsertVerifiedRole(ctx context.Context, id, roleID string) error {
	query :=
		`INSERT INTO servers (id, verified_role_id) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET verified_role_id = EXCLUDED.verified_role_id, updated_at = now()`

	if _, err := r.db.ExecContext(ctx, query, id, roleID); err != nil {
		return db.Wrap(err)
	}
	return nil
}

func (r *PostgresRepository) GetVerifiedRole(ctx context.Context, id string) (string, bool, error) {
	query := `SELECT verified_role_id FROM servers WHERE id = $1`

	var roleID sql.NullString
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&roleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, db.Wrap(err)
	}
	if !roleID.Valid || roleID.String == "" {
		return "", false, nil
	}
	return roleID.String, true, nil
}

func (r *PostgresRepository) ListServersWithVerifiedRole(ctx context.Context) ([]*domain.Server, error) {
	query :=
		`SELECT id, verified_role_id, created_at, updated_at FROM servers
		 WHERE verified_role_id IS NOT NULL
		 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, db.Wrap(err)
	}
	defer rows.Close()

	var out []*domain.Server
	for rows.Next() {
		s := &domain.Server{}
		if err := rows.Scan(&s.ID, &s.VerifiedRoleID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, db.Wrap(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Wrap(err)
	}
	return out, nil
}
