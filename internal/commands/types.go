// Package commands routes slash commands from chat ingress to handlers.
// Routing is first-match-wins in registration order; a handler that
// fails falls through to later registrations.
package commands

import (
	"context"
	"strings"
	"unicode"
)

// Request is one command invocation as seen by a handler.
type Request struct {
	// ChatID is the Telegram chat the command arrived from.
	ChatID int64

	// Username is the sender's Telegram username, without the @.
	Username string

	// Text is the full trimmed message text, leading slash included.
	Text string

	// RawEvent is the decoded webhook payload the command arrived in.
	// Handlers must treat it as read-only.
	RawEvent map[string]any
}

// Handler processes one slash command. Handle reports whether the
// update was consumed; a false return lets the router keep looking.
type Handler interface {
	Name() string
	CanHandle(text string) bool
	Handle(ctx context.Context, req *Request) (bool, error)
}

// Responder sends a text reply back into the originating chat.
type Responder interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// matchesCommand reports whether text invokes the named command, bare
// or followed by whitespace and arguments.
func matchesCommand(text, command string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == command {
		return true
	}
	return strings.HasPrefix(trimmed, command) &&
		len(trimmed) > len(command) &&
		unicode.IsSpace(rune(trimmed[len(command)]))
}

// splitWords splits on whitespace runs into at most max parts; the
// final part keeps the remaining text verbatim.
func splitWords(s string, max int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var parts []string
	for len(parts) < max-1 {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			break
		}
		parts = append(parts, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}
