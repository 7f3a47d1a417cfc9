package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"verifybot/internal/policy/engine"
	"verifybot/internal/rolesync"
	"verifybot/internal/verification"
)

// defaultTimeout stays below the 15 minute lifetime of an interaction token.
const defaultTimeout = 10 * time.Minute

// Service is the verification surface driven by commands and gateway events.
type Service interface {
	RequestVerification(ctx context.Context, userID string) (verification.RequestOutcome, error)
	SubmitEmail(ctx context.Context, userID, name, email string) error
	SubmitOTP(ctx context.Context, userID string, code int64) (*rolesync.Report, error)
	SetVerifiedRole(ctx context.Context, guildID, roleID string) (*rolesync.Report, error)
	HandleGuildJoin(ctx context.Context, guildID, userID string) error
}

// Authorizer decides whether an invocation may run.
type Authorizer interface {
	Authorize(ctx context.Context, in engine.Input) (engine.Decision, error)
}

// responder is the subset of *discordgo.Session used to answer interactions.
type responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Handler maps interactions and member joins onto Service.
type Handler struct {
	svc     Service
	policy  Authorizer
	log     zerolog.Logger
	timeout time.Duration
}

// NewHandler returns a Handler. timeout bounds each event; zero means 10 minutes.
func NewHandler(svc Service, policy Authorizer, log zerolog.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handler{
		svc:     svc,
		policy:  policy,
		log:     log.With().Str("component", "discord").Logger(),
		timeout: timeout,
	}
}

// OnInteraction is registered with the session; discordgo runs each call on its own goroutine.
func (h *Handler) OnInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.respond(s, i)
}

// OnGuildMemberAdd grants the verified role to returning users or starts verification for new ones.
func (h *Handler) OnGuildMemberAdd(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	log := h.log.With().Str("guild_id", m.GuildID).Str("user_id", m.User.ID).Logger()
	if err := h.svc.HandleGuildJoin(log.WithContext(ctx), m.GuildID, m.User.ID); err != nil {
		log.Error().Err(err).Msg("guild join handling failed")
	}
}

// OnReady logs the gateway session.
func (h *Handler) OnReady(_ *discordgo.Session, r *discordgo.Ready) {
	h.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("logged in")
}

// respond acknowledges with an ephemeral deferral, runs the command, then edits in the reply.
func (h *Handler) respond(r responder, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	inv, err := parseInvocation(i)
	if err != nil {
		h.log.Warn().Err(err).Msg("unparseable interaction")
		_ = r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: msgGeneric, Flags: discordgo.MessageFlagsEphemeral},
		})
		return
	}
	log := h.log.With().Str("command", inv.Command).Str("user_id", inv.UserID).Str("guild_id", inv.GuildID).Logger()

	err = r.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		log.Error().Err(err).Msg("defer interaction failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	reply := h.Handle(log.WithContext(ctx), inv)
	if _, err := r.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &reply}); err != nil {
		log.Error().Err(err).Msg("edit interaction response failed")
	}
}

// Handle authorizes and runs inv, returning the reply text.
func (h *Handler) Handle(ctx context.Context, inv Invocation) string {
	decision, err := h.policy.Authorize(ctx, engine.Input{
		Command:  inv.Command,
		ActorID:  inv.UserID,
		TargetID: inv.TargetID,
		InGuild:  inv.InGuild(),
		IsAdmin:  inv.IsAdmin,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("command policy evaluation failed")
		return msgGeneric
	}
	if !decision.Allow {
		return denialMessage(decision.Reason)
	}

	switch inv.Command {
	case CmdVerify:
		return h.verify(ctx, inv)
	case CmdSetEmail:
		if err := h.svc.SubmitEmail(ctx, inv.UserID, inv.UserName, inv.Email); err != nil {
			return h.errorMessage(ctx, err)
		}
		return msgEmailAccepted
	case CmdOTP:
		report, err := h.svc.SubmitOTP(ctx, inv.UserID, inv.OTP)
		if err != nil {
			if errors.Is(err, verification.ErrRoleSync) {
				zerolog.Ctx(ctx).Error().Err(err).Msg("verified but role sync failed")
				return msgVerified + "\n" + msgRolesPending
			}
			return h.errorMessage(ctx, err)
		}
		if n := len(report.Failures()); n > 0 {
			return msgVerified + "\n" + msgRolesPending
		}
		return msgVerified
	case CmdSetVerifiedRole:
		report, err := h.svc.SetVerifiedRole(ctx, inv.GuildID, inv.RoleID)
		if err != nil {
			return h.errorMessage(ctx, err)
		}
		reply := fmt.Sprintf(msgRoleSet, inv.RoleName)
		if n := len(report.Failures()); n > 0 {
			reply += fmt.Sprintf("\n"+msgRoleSetPartial, n)
		}
		return reply
	default:
		return denialMessage(engine.ReasonUnknownCommand)
	}
}

func (h *Handler) verify(ctx context.Context, inv Invocation) string {
	target := inv.UserID
	if inv.TargetID != "" {
		target = inv.TargetID
	}
	outcome, err := h.svc.RequestVerification(ctx, target)
	if err != nil && !errors.Is(err, verification.ErrDirectMessage) {
		return h.errorMessage(ctx, err)
	}
	var reply string
	switch outcome {
	case verification.AlreadyVerified:
		return msgAlreadyVerifiedUser
	case verification.Restarted:
		reply = msgRestarted
	default:
		reply = msgStarted
	}
	if err != nil {
		reply += "\n" + msgDMFailed
	}
	return reply
}

// errorMessage resolves user-correctable errors into guidance; anything else is logged and reported generically.
func (h *Handler) errorMessage(ctx context.Context, err error) string {
	for _, m := range errorMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("command failed")
	return msgGeneric
}
