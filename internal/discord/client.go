// Package discord adapts Discord gateway events and slash commands onto the verification service,
// and implements the guild capabilities the role synchronizer drives.
package discord

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"verifybot/internal/rolesync"
)

// memberPageSize is the largest page Discord returns from List Guild Members.
const memberPageSize = 1000

// restAPI is the subset of *discordgo.Session used by Client.
type restAPI interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Client implements rolesync.GuildClient and verification.Messenger over the Discord REST API.
type Client struct {
	api restAPI
}

// NewClient wraps an opened or unopened session; only REST calls are made.
func NewClient(s *discordgo.Session) *Client {
	return &Client{api: s}
}

func (c *Client) GetGuildMember(ctx context.Context, guildID, userID string) (*rolesync.Member, error) {
	m, err := c.api.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapRESTError(err)
	}
	return toMember(m), nil
}

// ListGuildMembers pages through every member of the guild. Bots are skipped.
func (c *Client) ListGuildMembers(ctx context.Context, guildID string) ([]*rolesync.Member, error) {
	var (
		out   []*rolesync.Member
		after string
	)
	for {
		page, err := c.api.GuildMembers(guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapRESTError(err)
		}
		for _, m := range page {
			if m.User == nil || m.User.Bot {
				continue
			}
			out = append(out, toMember(m))
		}
		if len(page) < memberPageSize {
			return out, nil
		}
		last := page[len(page)-1]
		if last.User == nil {
			return nil, fmt.Errorf("list guild members %s: page ended without a user", guildID)
		}
		after = last.User.ID
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *Client) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	return mapRESTError(c.api.GuildMemberRoleAdd(guildID, userID, roleID, discordgo.WithContext(ctx)))
}

// SendDirectMessage opens (or reuses) the DM channel with userID and posts text.
func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) error {
	ch, err := c.api.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return mapRESTError(err)
	}
	if _, err := c.api.ChannelMessageSend(ch.ID, text, discordgo.WithContext(ctx)); err != nil {
		return mapRESTError(err)
	}
	return nil
}

func toMember(m *discordgo.Member) *rolesync.Member {
	out := &rolesync.Member{RoleIDs: append([]string(nil), m.Roles...)}
	if m.User != nil {
		out.UserID = m.User.ID
	}
	return out
}

// mapRESTError translates Discord JSON error codes into rolesync sentinels.
func mapRESTError(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return fmt.Errorf("%w: %w", rolesync.ErrNotMember, err)
		case discordgo.ErrCodeUnknownRole:
			return fmt.Errorf("%w: %w", rolesync.ErrRoleNotFound, err)
		}
	}
	return err
}
