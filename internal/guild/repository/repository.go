package repository

import (
	"context"

	"verifybot/internal/guild/domain"
)

// Repository defines persistence for per-guild settings.
type Repository interface {
	ServerExists(ctx context.Context, id string) (bool, error)
	// UpsertVerifiedRole creates the server row on first use and sets its verified role.
	UpsertVerifiedRole(ctx context.Context, id, roleID string) error
	// GetVerifiedRole returns ok false when the server is absent or has no role configured.
	GetVerifiedRole(ctx context.Context, id string) (roleID string, ok bool, err error)
	ListServersWithVerifiedRole(ctx context.Context) ([]*domain.Server, error)
}
