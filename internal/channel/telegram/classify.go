package telegram

import (
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/channel"
)

// Classify maps a Bot API send error onto a delivery outcome.
func Classify(err error) channel.Outcome {
	if err == nil {
		return channel.OK()
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.RateLimitedFor(time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 403:
			return channel.BlockedBy(err)
		case 429:
			return channel.RateLimitedFor(time.Second, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "chat not found"):
		return channel.BlockedBy(err)
	case strings.Contains(msg, "too many requests"):
		return channel.RateLimitedFor(time.Second, err)
	}
	return channel.Failed(err)
}
