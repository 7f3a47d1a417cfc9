// Package verification owns the per-user verification lifecycle:
// Unverified -> QueryingEmail -> QueryingOTP -> Verified.
//
// Operations for the same user are serialized in-process; creation races across
// processes are absorbed by the store's conflict semantics.
package verification

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"verifybot/internal/mail"
	"verifybot/internal/otp"
	"verifybot/internal/rolesync"
	"verifybot/internal/telemetry"
	userdomain "verifybot/internal/user/domain"
)

// Sentinel errors; the chat adapter maps them to user-facing replies.
var (
	ErrAlreadyVerified  = errors.New("user is already verified")
	ErrNotAwaitingEmail = errors.New("user is not awaiting an email")
	ErrNotAwaitingOTP   = errors.New("user is not awaiting a passcode")
	ErrInvalidEmail     = errors.New("email address is malformed")
	ErrWrongDomain      = errors.New("email address is outside the required domain")
	ErrEmailInUse       = errors.New("email address is already verified by another user")
	ErrMalformedOTP     = errors.New("passcode is out of range")
	ErrIncorrectOTP     = errors.New("passcode does not match")
	ErrRateLimited      = errors.New("too many attempts")
	ErrMailDelivery     = errors.New("passcode email could not be delivered")
	ErrDirectMessage    = errors.New("direct message could not be delivered")
	ErrRoleSync         = errors.New("verified role synchronization failed")
	ErrInvalidRole      = errors.New("role id is empty")
)

// EmailPrompt is sent by direct message whenever a verification flow starts.
const EmailPrompt = "Hello! It looks like you've joined a server for Imperial students.\n" +
	"This server requires an extra step of verification before you can join.\n" +
	"Please provide your Imperial email via the `/set_email` command."

const mailSubject = "Verify your Imperial Email"

// RequestOutcome reports what RequestVerification did.
type RequestOutcome int

const (
	// Started means the user had no record and one was created.
	Started RequestOutcome = iota + 1
	// Restarted means an unverified user was reset to QueryingEmail.
	Restarted
	// AlreadyVerified means nothing changed.
	AlreadyVerified
)

func (o RequestOutcome) String() string {
	switch o {
	case Started:
		return "started"
	case Restarted:
		return "restarted"
	case AlreadyVerified:
		return "already_verified"
	default:
		return "unknown"
	}
}

// UserStore is the minimal user repository needed by the service.
type UserStore interface {
	CreateUser(ctx context.Context, id string) (*userdomain.User, error)
	GetUser(ctx context.Context, id string) (*userdomain.User, error)
	GetUserState(ctx context.Context, id string) (userdomain.State, bool, error)
	EmailInUse(ctx context.Context, email string) (bool, error)
	IssueOTP(ctx context.Context, id, email string, code int64, replace bool) error
	OTPMatches(ctx context.Context, id string, code int64) (bool, error)
	Reset(ctx context.Context, id string) error
	CompleteVerification(ctx context.Context, id string) error
}

// ServerStore is the minimal server repository needed by the service.
type ServerStore interface {
	UpsertVerifiedRole(ctx context.Context, id, roleID string) error
}

// RoleSyncer grants verified roles; implemented by *rolesync.Synchronizer.
type RoleSyncer interface {
	SyncUserAcrossAllServers(ctx context.Context, userID string) (*rolesync.Report, error)
	SyncAllVerifiedOnServer(ctx context.Context, guildID string) (*rolesync.Report, error)
	SyncMember(ctx context.Context, guildID, userID string) (*rolesync.Outcome, error)
}

// Messenger delivers direct messages on the chat platform.
type Messenger interface {
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// Mailer delivers passcode emails.
type Mailer interface {
	Send(ctx context.Context, m mail.Message) error
}

// Options configures a Service.
type Options struct {
	// EmailDomain is the required address suffix without "@". Empty accepts any domain.
	EmailDomain string
	MailFrom    string
	// IssueLimiter bounds passcode emails per user; AttemptLimiter bounds passcode submissions per user.
	// Nil limiters allow everything.
	IssueLimiter   *otp.Limiter
	AttemptLimiter *otp.Limiter
	Events         telemetry.EventEmitter
	Log            zerolog.Logger
}

// Service implements the verification state machine. Safe for concurrent use.
type Service struct {
	users     UserStore
	servers   ServerStore
	roles     RoleSyncer
	messenger Messenger
	mailer    Mailer
	opts      Options
	log       zerolog.Logger
	locks     *keyedLock
	generate  func() (int64, error)
}

// NewService returns a Service with the given dependencies.
func NewService(users UserStore, servers ServerStore, roles RoleSyncer, messenger Messenger, mailer Mailer, opts Options) *Service {
	opts.EmailDomain = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(opts.EmailDomain), "@"))
	return &Service{
		users:     users,
		servers:   servers,
		roles:     roles,
		messenger: messenger,
		mailer:    mailer,
		opts:      opts,
		log:       opts.Log.With().Str("component", "verification").Logger(),
		locks:     newKeyedLock(),
		generate:  otp.Generate,
	}
}

// RequestVerification starts or restarts the flow for userID and DMs the email prompt.
// Any previous email and passcodes are discarded. Verified users are left untouched.
func (s *Service) RequestVerification(ctx context.Context, userID string) (RequestOutcome, error) {
	outcome, err := s.resetFlow(ctx, userID)
	if err != nil || outcome == AlreadyVerified {
		return outcome, err
	}
	if err := s.messenger.SendDirectMessage(ctx, userID, EmailPrompt); err != nil {
		s.log.Warn().Ctx(ctx).Str("user_id", userID).Err(err).Msg("email prompt not delivered")
		return outcome, fmt.Errorf("%w: %w", ErrDirectMessage, err)
	}
	return outcome, nil
}

func (s *Service) resetFlow(ctx context.Context, userID string) (RequestOutcome, error) {
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	state, ok, err := s.users.GetUserState(ctx, userID)
	if err != nil {
		return 0, err
	}
	outcome := Restarted
	if !ok {
		outcome = Started
		if _, err := s.users.CreateUser(ctx, userID); err != nil {
			if !errors.Is(err, userdomain.ErrConflict) {
				return 0, err
			}
			// Created concurrently elsewhere; re-read so a verified user stays sticky.
			if state, _, err = s.users.GetUserState(ctx, userID); err != nil {
				return 0, err
			}
		}
	}
	if state == userdomain.StateVerified {
		return AlreadyVerified, nil
	}
	if err := s.users.Reset(ctx, userID); err != nil {
		return 0, err
	}

	eventType := telemetry.EventVerificationStarted
	if outcome == Restarted {
		eventType = telemetry.EventVerificationRestarted
	}
	s.emit(telemetry.NewEvent(eventType, userID, ""))
	s.log.Info().Ctx(ctx).Str("user_id", userID).Str("outcome", outcome.String()).Msg("verification requested")
	return outcome, nil
}

// SubmitEmail records a candidate address, persists a fresh passcode and mails it.
// The address, the code and the move to QueryingOTP are one store write made before the mail is sent.
// From QueryingOTP it acts as a resend; a different address first invalidates the outstanding codes.
// If delivery fails every outstanding code is discarded, including ones mailed earlier,
// and the user returns to QueryingEmail.
func (s *Service) SubmitEmail(ctx context.Context, userID, name, email string) error {
	addr, err := s.normalizeEmail(email)
	if err != nil {
		s.emit(telemetry.NewEvent(telemetry.EventEmailRejected, userID, "").With("reason", reason(err)))
		return err
	}

	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	state, ok, err := s.users.GetUserState(ctx, userID)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		return ErrNotAwaitingEmail
	case state == userdomain.StateVerified:
		return ErrAlreadyVerified
	case state != userdomain.StateQueryingEmail && state != userdomain.StateQueryingOTP:
		return ErrNotAwaitingEmail
	}

	inUse, err := s.users.EmailInUse(ctx, addr)
	if err != nil {
		return err
	}
	if inUse {
		s.emit(telemetry.NewEvent(telemetry.EventEmailRejected, userID, "").With("reason", reason(ErrEmailInUse)))
		return ErrEmailInUse
	}
	if !s.opts.IssueLimiter.Allow(userID) {
		s.emit(telemetry.NewEvent(telemetry.EventRateLimited, userID, "").With("op", "submit_email"))
		return ErrRateLimited
	}

	// A resend to the same address keeps earlier codes valid.
	replace := true
	if state == userdomain.StateQueryingOTP {
		u, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		replace = u.Email != addr
	}

	code, err := s.generate()
	if err != nil {
		return err
	}
	if err := s.users.IssueOTP(ctx, userID, addr, code, replace); err != nil {
		return err
	}

	msg := mail.Message{
		From:    s.opts.MailFrom,
		To:      addr,
		Subject: mailSubject,
		Body:    fmt.Sprintf("Hello, %s! Your secret password is %d", name, code),
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		s.log.Error().Ctx(ctx).Str("user_id", userID).Err(err).Msg("passcode email failed")
		s.rollbackIssue(ctx, userID)
		return fmt.Errorf("%w: %w", ErrMailDelivery, err)
	}

	s.emit(telemetry.NewEvent(telemetry.EventEmailSubmitted, userID, "").With("resend", strconv.FormatBool(state == userdomain.StateQueryingOTP)))
	s.log.Info().Ctx(ctx).Str("user_id", userID).Msg("passcode issued")
	return nil
}

// rollbackIssue returns the user to QueryingEmail with no email and no outstanding codes.
// It runs even if ctx is cancelled.
func (s *Service) rollbackIssue(ctx context.Context, userID string) {
	if err := s.users.Reset(context.WithoutCancel(ctx), userID); err != nil {
		s.log.Error().Ctx(ctx).Str("user_id", userID).Err(err).Msg("rollback after mail failure failed")
	}
}

// SubmitOTP checks code against the persisted passcodes and, on a match, marks the user verified
// and grants the verified role in every configured server. Malformed codes never reach the store.
// A role sync failure is reported as ErrRoleSync; the user is verified regardless.
func (s *Service) SubmitOTP(ctx context.Context, userID string, code int64) (*rolesync.Report, error) {
	if !otp.IsWellFormed(code) {
		return nil, ErrMalformedOTP
	}
	if err := s.completeVerification(ctx, userID, code); err != nil {
		return nil, err
	}

	report, err := s.roles.SyncUserAcrossAllServers(ctx, userID)
	if err != nil {
		s.log.Error().Ctx(ctx).Str("user_id", userID).Err(err).Msg("role sync after verification failed")
		s.emit(telemetry.NewEvent(telemetry.EventUserVerified, userID, "").With("role_sync", "failed"))
		return nil, fmt.Errorf("%w: %w", ErrRoleSync, err)
	}
	s.emit(telemetry.NewEvent(telemetry.EventUserVerified, userID, "").
		With("granted", strconv.Itoa(report.Count(rolesync.StatusGranted))).
		With("failed", strconv.Itoa(len(report.Failures()))))
	return report, nil
}

func (s *Service) completeVerification(ctx context.Context, userID string, code int64) error {
	unlock, err := s.locks.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	state, ok, err := s.users.GetUserState(ctx, userID)
	if err != nil {
		return err
	}
	if ok && state == userdomain.StateVerified {
		return ErrAlreadyVerified
	}
	if !ok || state != userdomain.StateQueryingOTP {
		return ErrNotAwaitingOTP
	}
	if !s.opts.AttemptLimiter.Allow(userID) {
		s.emit(telemetry.NewEvent(telemetry.EventRateLimited, userID, "").With("op", "submit_otp"))
		return ErrRateLimited
	}

	match, err := s.users.OTPMatches(ctx, userID, code)
	if err != nil {
		return err
	}
	if !match {
		s.emit(telemetry.NewEvent(telemetry.EventOTPRejected, userID, ""))
		return ErrIncorrectOTP
	}

	if err := s.users.CompleteVerification(ctx, userID); err != nil {
		if errors.Is(err, userdomain.ErrConflict) {
			// Someone verified the same address first; the user must pick another.
			if rerr := s.users.Reset(context.WithoutCancel(ctx), userID); rerr != nil {
				s.log.Error().Ctx(ctx).Str("user_id", userID).Err(rerr).Msg("reset after email conflict failed")
			}
			return ErrEmailInUse
		}
		return err
	}
	s.opts.AttemptLimiter.Forget(userID)
	s.opts.IssueLimiter.Forget(userID)
	s.log.Info().Ctx(ctx).Str("user_id", userID).Msg("user verified")
	return nil
}

// SetVerifiedRole stores roleID as guildID's verified role and grants it to every verified member.
func (s *Service) SetVerifiedRole(ctx context.Context, guildID, roleID string) (*rolesync.Report, error) {
	if strings.TrimSpace(roleID) == "" {
		return nil, ErrInvalidRole
	}
	if err := s.servers.UpsertVerifiedRole(ctx, guildID, roleID); err != nil {
		return nil, err
	}
	s.log.Info().Ctx(ctx).Str("guild_id", guildID).Str("role_id", roleID).Msg("verified role set")

	report, err := s.roles.SyncAllVerifiedOnServer(ctx, guildID)
	if err != nil {
		s.log.Error().Ctx(ctx).Str("guild_id", guildID).Err(err).Msg("role sync after set_verified_role failed")
		s.emit(telemetry.NewEvent(telemetry.EventVerifiedRoleSet, "", guildID).With("role_id", roleID).With("role_sync", "failed"))
		return nil, fmt.Errorf("%w: %w", ErrRoleSync, err)
	}
	s.emit(telemetry.NewEvent(telemetry.EventVerifiedRoleSet, "", guildID).
		With("role_id", roleID).
		With("granted", strconv.Itoa(report.Count(rolesync.StatusGranted))).
		With("failed", strconv.Itoa(len(report.Failures()))))
	return report, nil
}

// HandleGuildJoin grants the verified role to a returning verified user, reporting the grant as a
// member_joined event, or starts verification otherwise.
func (s *Service) HandleGuildJoin(ctx context.Context, guildID, userID string) error {
	state, ok, err := s.users.GetUserState(ctx, userID)
	if err != nil {
		return err
	}
	if ok && state == userdomain.StateVerified {
		ev := telemetry.NewEvent(telemetry.EventMemberJoined, userID, guildID)
		out, err := s.roles.SyncMember(ctx, guildID, userID)
		if err == nil && out != nil {
			err = out.Err
			ev.With("status", string(out.Status))
		}
		if err != nil {
			s.emit(ev.With("failed", "1"))
			return fmt.Errorf("%w: %w", ErrRoleSync, err)
		}
		s.emit(ev.With("failed", "0"))
		return nil
	}
	_, err = s.RequestVerification(ctx, userID)
	return err
}

func (s *Service) normalizeEmail(raw string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(raw))
	parsed, err := netmail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", ErrInvalidEmail
	}
	if s.opts.EmailDomain != "" && !strings.HasSuffix(addr, "@"+s.opts.EmailDomain) {
		return "", ErrWrongDomain
	}
	return addr, nil
}

func (s *Service) emit(ev *telemetry.Event) {
	telemetry.EmitAsync(s.opts.Events, s.log, ev)
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEmail):
		return "invalid"
	case errors.Is(err, ErrWrongDomain):
		return "wrong_domain"
	case errors.Is(err, ErrEmailInUse):
		return "in_use"
	default:
		return "other"
	}
}
