// Package rolesync reconciles verified-role membership across guilds.
//
// Every fan-out processes items independently: each item runs under its own timeout,
// writes its own Outcome, and never cancels its siblings.
package rolesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	guilddomain "verifybot/internal/guild/domain"
)

// Sentinel errors returned by GuildClient implementations.
var (
	ErrNotMember    = errors.New("user is not a member of the guild")
	ErrRoleNotFound = errors.New("role does not exist in the guild")
)

const (
	defaultConcurrency = 8
	defaultItemTimeout = 15 * time.Second
)

// Member is a guild member as seen by the chat platform.
type Member struct {
	UserID  string
	RoleIDs []string
}

// HasRole reports whether the member already holds roleID.
func (m *Member) HasRole(roleID string) bool {
	return m != nil && slices.Contains(m.RoleIDs, roleID)
}

// GuildClient is the chat-platform capability the synchronizer drives.
type GuildClient interface {
	// GetGuildMember returns ErrNotMember when the user is not in the guild.
	GetGuildMember(ctx context.Context, guildID, userID string) (*Member, error)
	ListGuildMembers(ctx context.Context, guildID string) ([]*Member, error)
	// GrantRole returns ErrRoleNotFound when the role was deleted and ErrNotMember when the user left.
	GrantRole(ctx context.Context, guildID, userID, roleID string) error
}

// ServerStore is the minimal server repository needed by the synchronizer.
type ServerStore interface {
	GetVerifiedRole(ctx context.Context, id string) (string, bool, error)
	ListServersWithVerifiedRole(ctx context.Context) ([]*guilddomain.Server, error)
}

// UserStore is the minimal user repository needed by the synchronizer.
type UserStore interface {
	ListVerifiedIDs(ctx context.Context) ([]string, error)
}

// Options tunes the fan-out.
type Options struct {
	// Concurrency bounds in-flight platform calls per batch. Defaults to 8.
	Concurrency int
	// ItemTimeout bounds a single member lookup plus grant. Defaults to 15s.
	ItemTimeout time.Duration
}

// Synchronizer grants verified roles. Safe for concurrent use.
type Synchronizer struct {
	guilds  GuildClient
	servers ServerStore
	users   UserStore
	log     zerolog.Logger
	opts    Options
	tracer  trace.Tracer
	grants  metric.Int64Counter
}

// New returns a Synchronizer. Traces and metrics go to the global otel providers.
func New(guilds GuildClient, servers ServerStore, users UserStore, log zerolog.Logger, opts Options) *Synchronizer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = defaultItemTimeout
	}
	grants, err := otel.Meter("verifybot/rolesync").Int64Counter(
		"verifybot.role_grants",
		metric.WithDescription("Verified role reconciliation outcomes by status"),
	)
	if err != nil {
		grants, _ = noop.NewMeterProvider().Meter("").Int64Counter("verifybot.role_grants")
	}
	return &Synchronizer{
		guilds:  guilds,
		servers: servers,
		users:   users,
		log:     log.With().Str("component", "rolesync").Logger(),
		opts:    opts,
		tracer:  otel.Tracer("verifybot/rolesync"),
		grants:  grants,
	}
}

// SyncUserAcrossAllServers grants the verified role to userID in every configured server it belongs to.
// The returned error is non-nil only when the server list cannot be loaded.
func (s *Synchronizer) SyncUserAcrossAllServers(ctx context.Context, userID string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "rolesync.SyncUserAcrossAllServers",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	servers, err := s.servers.ListServersWithVerifiedRole(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list servers")
		return nil, fmt.Errorf("list servers: %w", err)
	}

	outcomes := s.fanOut(ctx, len(servers), func(ctx context.Context, i int) Outcome {
		srv := servers[i]
		return s.grant(ctx, srv.ID, userID, srv.VerifiedRoleID, nil)
	})
	report := &Report{Outcomes: outcomes}
	s.logReport(ctx, report, "sync_user", zerolog.Dict().Str("user_id", userID))
	span.SetAttributes(attribute.Int("granted", report.Count(StatusGranted)), attribute.Int("failed", len(report.Failures())))
	return report, nil
}

// SyncAllVerifiedOnServer grants guildID's verified role to every member that is verified.
// A server without a configured role yields an empty report.
func (s *Synchronizer) SyncAllVerifiedOnServer(ctx context.Context, guildID string) (*Report, error) {
	ctx, span := s.tracer.Start(ctx, "rolesync.SyncAllVerifiedOnServer",
		trace.WithAttributes(attribute.String("guild_id", guildID)))
	defer span.End()

	roleID, ok, err := s.servers.GetVerifiedRole(ctx, guildID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get verified role: %w", err)
	}
	if !ok {
		return &Report{}, nil
	}

	verified, err := s.users.ListVerifiedIDs(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list verified users: %w", err)
	}
	if len(verified) == 0 {
		return &Report{}, nil
	}
	isVerified := make(map[string]struct{}, len(verified))
	for _, id := range verified {
		isVerified[id] = struct{}{}
	}

	members, err := s.guilds.ListGuildMembers(ctx, guildID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list members")
		return nil, fmt.Errorf("list guild members: %w", err)
	}
	targets := make([]*Member, 0, len(members))
	for _, m := range members {
		if _, ok := isVerified[m.UserID]; ok {
			targets = append(targets, m)
		}
	}

	outcomes := s.fanOut(ctx, len(targets), func(ctx context.Context, i int) Outcome {
		return s.grant(ctx, guildID, targets[i].UserID, roleID, targets[i])
	})
	report := &Report{Outcomes: outcomes}
	s.logReport(ctx, report, "sync_server", zerolog.Dict().Str("guild_id", guildID).Str("role_id", roleID))
	span.SetAttributes(attribute.Int("granted", report.Count(StatusGranted)), attribute.Int("failed", len(report.Failures())))
	return report, nil
}

// SyncMember grants guildID's verified role to a single user, e.g. on guild join.
// Returns nil when the guild has no verified role configured.
func (s *Synchronizer) SyncMember(ctx context.Context, guildID, userID string) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "rolesync.SyncMember",
		trace.WithAttributes(attribute.String("guild_id", guildID), attribute.String("user_id", userID)))
	defer span.End()

	roleID, ok, err := s.servers.GetVerifiedRole(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("get verified role: %w", err)
	}
	if !ok {
		return nil, nil
	}
	itemCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
	defer cancel()
	out := s.grant(itemCtx, guildID, userID, roleID, nil)
	s.record(ctx, out)
	if out.Status == StatusFailed || out.Status == StatusRoleMissing {
		s.log.Warn().Str("guild_id", guildID).Str("user_id", userID).Str("status", string(out.Status)).
			Err(out.Err).Msg("grant on join failed")
	}
	return &out, nil
}

// fanOut runs fn for indices [0, n) with bounded concurrency. Each call gets its own
// timeout and result slot; fn never fails the group, so one item cannot cancel the rest.
func (s *Synchronizer) fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) Outcome) []Outcome {
	outcomes := make([]Outcome, n)
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
			defer cancel()
			outcomes[i] = fn(itemCtx, i)
			s.record(ctx, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// grant checks membership (unless member is supplied) and adds the role when missing.
func (s *Synchronizer) grant(ctx context.Context, guildID, userID, roleID string, member *Member) Outcome {
	out := Outcome{GuildID: guildID, UserID: userID, RoleID: roleID}
	if member == nil {
		m, err := s.guilds.GetGuildMember(ctx, guildID, userID)
		if err != nil {
			if errors.Is(err, ErrNotMember) {
				out.Status = StatusNotMember
				return out
			}
			out.Status, out.Err = StatusFailed, fmt.Errorf("get member: %w", err)
			return out
		}
		member = m
	}
	if member.HasRole(roleID) {
		out.Status = StatusAlreadyHad
		return out
	}
	if err := s.guilds.GrantRole(ctx, guildID, userID, roleID); err != nil {
		switch {
		case errors.Is(err, ErrNotMember):
			out.Status = StatusNotMember
		case errors.Is(err, ErrRoleNotFound):
			out.Status, out.Err = StatusRoleMissing, err
		default:
			out.Status, out.Err = StatusFailed, fmt.Errorf("grant role: %w", err)
		}
		return out
	}
	out.Status = StatusGranted
	return out
}

func (s *Synchronizer) record(ctx context.Context, out Outcome) {
	s.grants.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(out.Status))))
}

func (s *Synchronizer) logReport(ctx context.Context, r *Report, op string, fields *zerolog.Event) {
	for _, f := range r.Failures() {
		s.log.Error().Ctx(ctx).Str("op", op).Str("guild_id", f.GuildID).Str("user_id", f.UserID).
			Str("role_id", f.RoleID).Str("status", string(f.Status)).Err(f.Err).Msg("role grant failed")
	}
	s.log.Info().Ctx(ctx).Str("op", op).Dict("target", fields).
		Int("granted", r.Count(StatusGranted)).
		Int("already_had_role", r.Count(StatusAlreadyHad)).
		Int("not_member", r.Count(StatusNotMember)).
		Int("failed", len(r.Failures())).
		Msg("role sync finished")
}
