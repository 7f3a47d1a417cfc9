package discord

import (
	"verifybot/internal/policy/engine"
	"verifybot/internal/verification"
)

const (
	msgStarted             = "User verification process started!"
	msgRestarted           = "User verification process restarted!"
	msgAlreadyVerifiedUser = "User is already verified!"
	msgDMFailed            = "I couldn't send a direct message. Please allow DMs from server members and run `/verify` again."
	msgEmailAccepted       = "Thank you!\nNow, run the `/otp` command with the secret passcode sent to your email."
	msgVerified            = "Congratulations! You've been verified!"
	msgRolesPending        = "Some server roles could not be assigned yet. An administrator can re-run `/set_verified_role` to retry."
	msgRoleSet             = "Verified role set to `%s`!"
	msgRoleSetPartial      = "%d member(s) could not be given the role; check that the bot's role is above it."
	msgGeneric             = "Something went wrong on our side. Please try again later."
)

var errorMessages = []struct {
	err error
	msg string
}{
	{verification.ErrWrongDomain, "Sorry, the email you provided is not an Imperial email. Please provide an Imperial email."},
	{verification.ErrInvalidEmail, "Sorry, that doesn't look like an email address. Please provide your Imperial email."},
	{verification.ErrEmailInUse, "Sorry, the email you provided is already in use. Please provide a unique Imperial email."},
	{verification.ErrMalformedOTP, "Sorry, the secret passcode you provided is invalid. Please provide a valid secret passcode."},
	{verification.ErrIncorrectOTP, "Sorry, the secret passcode you provided is incorrect. Please provide the correct secret passcode."},
	{verification.ErrAlreadyVerified, "You're already verified!"},
	{verification.ErrNotAwaitingEmail, "Please run `/verify` in a server first."},
	{verification.ErrNotAwaitingOTP, "You don't have a pending passcode. Run `/set_email` with your Imperial email first."},
	{verification.ErrRateLimited, "Slow down! Too many attempts. Please wait a few minutes and try again."},
	{verification.ErrMailDelivery, "Sorry, the passcode email could not be sent. Please check the address and run `/set_email` again."},
	{verification.ErrInvalidRole, "Please choose a role."},
}

func denialMessage(reason string) string {
	switch reason {
	case engine.ReasonGuildOnly:
		return "This command can only be used in a server."
	case engine.ReasonDMOnly:
		return "Please send me this command in a direct message."
	case engine.ReasonAdminOnly:
		return "You need the Administrator permission to do that."
	default:
		return "You can't use that command here."
	}
}
