package channel

import (
	"fmt"
	"time"

	"botfleet/internal/model"
)

// Payload is a rendered outbound message: text (or caption), at most one
// media attachment and rows of link buttons.
type Payload struct {
	Text      string
	Media     *model.Media
	Buttons   [][]model.Button
	ParseMode string
}

// NewPayload prepares content for sending. Each button gets its own row.
func NewPayload(c model.Content, parseMode string) Payload {
	p := Payload{Text: c.Text, ParseMode: parseMode}
	if c.Media != nil {
		m := *c.Media
		p.Media = &m
	}
	for _, b := range c.Buttons {
		p.Buttons = append(p.Buttons, []model.Button{b})
	}
	return p
}

// OutcomeKind is the closed set of send results.
type OutcomeKind int

const (
	// Sent: delivered.
	Sent OutcomeKind = iota
	// Blocked: the user blocked the bot or no longer exists; do not retry.
	Blocked
	// RateLimited: the platform asked us to wait RetryAfter.
	RateLimited
	// Transient: any other failure.
	Transient
)

func (k OutcomeKind) String() string {
	switch k {
	case Sent:
		return "sent"
	case Blocked:
		return "blocked"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one Send.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration
	Err        error
}

func OK() Outcome { return Outcome{Kind: Sent} }

func BlockedBy(err error) Outcome { return Outcome{Kind: Blocked, Err: err} }

func RateLimitedFor(wait time.Duration, err error) Outcome {
	if wait < 0 {
		wait = 0
	}
	return Outcome{Kind: RateLimited, RetryAfter: wait, Err: err}
}

func Failed(err error) Outcome { return Outcome{Kind: Transient, Err: err} }
