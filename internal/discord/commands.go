package discord

import (
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"verifybot/internal/otp"
)

// Command names as registered with Discord.
const (
	CmdVerify          = "verify"
	CmdSetEmail        = "set_email"
	CmdOTP             = "otp"
	CmdSetVerifiedRole = "set_verified_role"
)

var errMissingOption = errors.New("required option missing")

// Commands returns the slash command definitions. set_verified_role is hidden from
// non-administrators by default; the command policy still enforces it.
func Commands() []*discordgo.ApplicationCommand {
	adminPerms := int64(discordgo.PermissionAdministrator)
	guildOnly := false
	minOTP, maxOTP := float64(otp.Min), float64(otp.Max)
	return []*discordgo.ApplicationCommand{
		{
			Name:         CmdVerify,
			Description:  "Starts the process of verifying a user.",
			DMPermission: &guildOnly,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        "user",
				Description: "User to verify",
			}},
		},
		{
			Name:        CmdSetEmail,
			Description: "Sets your imperial email.",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "email",
				Description: "Email to set",
				Required:    true,
			}},
		},
		{
			Name:        CmdOTP,
			Description: "Verifies your email with your secret passcode.",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "otp",
				Description: "The secret passcode to set",
				Required:    true,
				MinValue:    &minOTP,
				MaxValue:    maxOTP,
			}},
		},
		{
			Name:                     CmdSetVerifiedRole,
			Description:              "Sets the server's verified user role.",
			DMPermission:             &guildOnly,
			DefaultMemberPermissions: &adminPerms,
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        "role",
				Description: "Role to set",
				Required:    true,
			}},
		},
	}
}

// Invocation is a parsed slash command, independent of the gateway payload.
type Invocation struct {
	Command  string
	UserID   string
	UserName string
	GuildID  string
	IsAdmin  bool

	TargetID   string
	TargetName string
	Email      string
	OTP        int64
	RoleID     string
	RoleName   string
}

// InGuild reports whether the command was run inside a server rather than a DM.
func (inv Invocation) InGuild() bool { return inv.GuildID != "" }

// parseInvocation extracts the caller and options from an application command interaction.
func parseInvocation(i *discordgo.InteractionCreate) (Invocation, error) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return Invocation{}, fmt.Errorf("unsupported interaction type %v", i.Type)
	}
	data := i.ApplicationCommandData()
	inv := Invocation{Command: data.Name, GuildID: i.GuildID}

	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID, inv.UserName = i.Member.User.ID, i.Member.User.Username
		inv.IsAdmin = i.Member.Permissions&discordgo.PermissionAdministrator != 0
	case i.User != nil:
		inv.UserID, inv.UserName = i.User.ID, i.User.Username
	default:
		return Invocation{}, errors.New("interaction has no invoking user")
	}

	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o
	}

	switch inv.Command {
	case CmdVerify:
		if o, ok := opts["user"]; ok {
			inv.TargetID = fmt.Sprint(o.Value)
			if data.Resolved != nil {
				if u, ok := data.Resolved.Users[inv.TargetID]; ok {
					inv.TargetName = u.Username
				}
			}
		}
	case CmdSetEmail:
		o, ok := opts["email"]
		if !ok {
			return Invocation{}, fmt.Errorf("%s: email: %w", inv.Command, errMissingOption)
		}
		inv.Email = o.StringValue()
	case CmdOTP:
		o, ok := opts["otp"]
		if !ok {
			return Invocation{}, fmt.Errorf("%s: otp: %w", inv.Command, errMissingOption)
		}
		inv.OTP = o.IntValue()
	case CmdSetVerifiedRole:
		o, ok := opts["role"]
		if !ok {
			return Invocation{}, fmt.Errorf("%s: role: %w", inv.Command, errMissingOption)
		}
		inv.RoleID = fmt.Sprint(o.Value)
		inv.RoleName = inv.RoleID
		if data.Resolved != nil {
			if r, ok := data.Resolved.Roles[inv.RoleID]; ok {
				inv.RoleName = r.Name
			}
		}
	}
	return inv, nil
}
