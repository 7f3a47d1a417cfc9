package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the verification flow.
const (
	EventVerificationStarted   = "verification_started"
	EventVerificationRestarted = "verification_restarted"
	EventEmailSubmitted        = "email_submitted"
	EventEmailRejected         = "email_rejected"
	EventOTPRejected           = "otp_rejected"
	EventUserVerified          = "user_verified"
	EventVerifiedRoleSet       = "verified_role_set"
	EventMemberJoined          = "member_joined"
	EventRateLimited           = "rate_limited"
)

// Event is one verification lifecycle event. It never carries OTPs or email addresses.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	GuildID   string            `json:"guild_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewEvent returns an Event with a fresh id and the current UTC time.
func NewEvent(eventType, userID, guildID string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		GuildID:   guildID,
		Source:    "verifybot",
		CreatedAt: time.Now().UTC(),
	}
}

// With sets a metadata key and returns e for chaining.
func (e *Event) With(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}
