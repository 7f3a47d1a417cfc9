package domain

import "time"

// Server mirrors one chat-platform guild the bot manages.
type Server struct {
	ID             string
	VerifiedRoleID string // empty until an administrator configures it
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasVerifiedRole reports whether a verified role is configured.
func (s *Server) HasVerifiedRole() bool {
	return s != nil && s.VerifiedRoleID != ""
}
