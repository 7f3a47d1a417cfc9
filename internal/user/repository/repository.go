package repository

import (
	"context"

	"verifybot/internal/user/domain"
)

// Repository defines persistence for verification records.
// Backend failures are wrapped with db.ErrStore; a missing row is domain.ErrNotFound
// or a false result, never a store error.
type Repository interface {
	UserExists(ctx context.Context, id string) (bool, error)
	// CreateUser inserts a fresh unverified user. Returns domain.ErrConflict if the id exists.
	CreateUser(ctx context.Context, id string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	// GetUserState returns ok false when the user does not exist.
	GetUserState(ctx context.Context, id string) (state domain.State, ok bool, err error)
	// SetUserState overwrites the state unconditionally; callers enforce legality.
	SetUserState(ctx context.Context, id string, state domain.State) error
	SetEmail(ctx context.Context, id, email string) error
	// EmailInUse reports whether a verified user holds email.
	EmailInUse(ctx context.Context, email string) (bool, error)
	AddOTP(ctx context.Context, id string, code int64) error
	OTPMatches(ctx context.Context, id string, code int64) (bool, error)
	ClearOTPs(ctx context.Context, id string) error
	// IssueOTP stores email, records code and moves the user to querying_otp in one statement.
	// replace discards outstanding codes first; otherwise code is appended to them.
	IssueOTP(ctx context.Context, id, email string, code int64, replace bool) error
	// Reset moves the user to querying_email and discards email and OTPs in one statement.
	Reset(ctx context.Context, id string) error
	// CompleteVerification marks the user verified and clears OTPs in one statement.
	// Returns domain.ErrConflict when another verified user already holds the same email.
	CompleteVerification(ctx context.Context, id string) error
	ListVerifiedIDs(ctx context.Context) ([]string, error)
}
