package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no user row exists for the given id.
	ErrNotFound = errors.New("user not found")
	// ErrConflict is returned on duplicate creation or when a verified email is already claimed.
	ErrConflict = errors.New("user conflict")
)

// User is the verification record for one chat-platform account.
type User struct {
	ID        string
	Email     string // empty until a candidate email is submitted
	State     State
	OTPs      []int64 // outstanding codes; non-empty only while State is StateQueryingOTP
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasEmail reports whether a candidate email has been recorded.
func (u *User) HasEmail() bool {
	return u != nil && u.Email != ""
}

// IsVerified reports whether the user reached the terminal state.
func (u *User) IsVerified() bool {
	return u != nil && u.State == StateVerified
}

// State is the position of a user in the verification flow.
// Values match the user_state Postgres enum.
type State string

const (
	StateUnverified    State = "unverified"
	StateQueryingEmail State = "querying_email"
	StateQueryingOTP   State = "querying_otp"
	StateVerified      State = "verified"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateUnverified, StateQueryingEmail, StateQueryingOTP, StateVerified:
		return true
	}
	return false
}

// ParseState converts the stored enum label to a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown user state %q", v)
	}
	return s, nil
}
