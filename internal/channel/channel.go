// Package channel defines the messaging-platform boundary: per-tenant sessions
// that verify identity, listen for inbound events and send payloads.
package channel

import (
	"context"
	"strings"
	"time"
)

// Identity is the bot account behind a credential, as reported by the platform.
type Identity struct {
	ID       int64
	Username string
	Name     string
}

// User is the sender of an inbound event.
type User struct {
	ExternalID   int64
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
}

// Event is one inbound message.
type Event struct {
	ChatID int64
	From   User
	Text   string
	At     time.Time
}

// Command returns the bot command and its argument string, e.g.
// "/start@fleet_bot ref42" -> ("start", "ref42"). ok is false for plain text.
func (e Event) Command() (cmd, args string, ok bool) {
	text := strings.TrimSpace(e.Text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// HandlerFunc handles an inbound event and optionally returns a reply.
type HandlerFunc func(ctx context.Context, ev Event) (*Payload, error)

// Adapter opens per-credential sessions.
type Adapter interface {
	// Open verifies the credential and returns a ready session.
	Open(ctx context.Context, token string) (Session, error)
}

// Session is a verified connection for one tenant credential.
type Session interface {
	Identity() Identity
	// Listen receives inbound events until ctx is done (returns nil) or the
	// receive loop fails on its own (returns an error).
	Listen(ctx context.Context, h HandlerFunc) error
	// Send delivers p to the user with the given external id.
	Send(ctx context.Context, to int64, p Payload) Outcome
	// Close releases the session. It is safe to call more than once.
	Close() error
}
