package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// Intents the bot needs: guild metadata, member joins (privileged) and DMs.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsDirectMessages

// NewSession builds an unopened bot session.
func NewSession(token string) (*discordgo.Session, error) {
	if token == "" {
		return nil, errors.New("discord: bot token not configured")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: new session: %w", err)
	}
	s.Identify.Intents = Intents
	return s, nil
}

// Bot owns the gateway connection and command registration.
type Bot struct {
	session *discordgo.Session
	handler *Handler
	// guildID registers commands to one guild for development; empty registers globally.
	guildID string
	log     zerolog.Logger
}

// NewBot wires handler to session. Call Start to connect.
func NewBot(session *discordgo.Session, handler *Handler, guildID string, log zerolog.Logger) *Bot {
	return &Bot{session: session, handler: handler, guildID: guildID, log: log.With().Str("component", "discord").Logger()}
}

// Start opens the gateway and overwrites the application's slash commands.
func (b *Bot) Start(ctx context.Context) error {
	b.session.AddHandler(b.handler.OnReady)
	b.session.AddHandler(b.handler.OnInteraction)
	b.session.AddHandler(b.handler.OnGuildMemberAdd)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if b.session.State == nil || b.session.State.User == nil {
		_ = b.session.Close()
		return errors.New("discord: gateway opened without a ready user")
	}
	cmds, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, b.guildID, Commands(), discordgo.WithContext(ctx))
	if err != nil {
		_ = b.session.Close()
		return fmt.Errorf("discord: register commands: %w", err)
	}
	scope := "global"
	if b.guildID != "" {
		scope = "guild:" + b.guildID
	}
	b.log.Info().Int("commands", len(cmds)).Str("scope", scope).Msg("slash commands registered")
	return nil
}

// Close disconnects from the gateway.
func (b *Bot) Close() error {
	return b.session.Close()
}
