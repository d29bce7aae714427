// ABOUTME: Slash command recognition and mention stripping
// ABOUTME: Normalizes channel text before routing

package bot

import (
	"regexp"
	"strings"
)

// command is a recognized slash command.
type command string

const (
	cmdNone    command = ""
	cmdReset   command = "reset"
	cmdSignOut command = "signout"
)

// mentionRe matches the channel's inline mention markup, e.g.
// "<at>parley</at> hello".
var mentionRe = regexp.MustCompile(`<at>[^<]*</at>`)

// normalizeText strips bot mentions and surrounding whitespace from the
// user's message.
func normalizeText(text string) string {
	return strings.TrimSpace(mentionRe.ReplaceAllString(text, ""))
}

// parseCommand recognizes slash commands. /reset, /clear, and /new are
// aliases: all start a fresh thread.
func parseCommand(text string) command {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "/reset", "/clear", "/new":
		return cmdReset
	case "/signout", "/logout":
		return cmdSignOut
	default:
		return cmdNone
	}
}
