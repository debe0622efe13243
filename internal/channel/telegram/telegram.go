// Package telegram implements channel.Adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/channel"
	"botfleet/internal/model"
	logx "botfleet/pkg/logx"
)

type Config struct {
	PollTimeout    time.Duration
	RequestTimeout time.Duration
	// APIURL overrides the Bot API endpoint (local bot-api server, tests).
	APIURL string
	// StopGrace bounds how long Listen waits for the poller after cancellation.
	StopGrace time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
}

var _ channel.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log}
}

// Open creates a bot for token. telebot calls getMe while constructing the
// bot, so a returned session has a verified identity.
func (a *Adapter) Open(ctx context.Context, token string) (channel.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram: empty token")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: a.cfg.PollTimeout + a.cfg.RequestTimeout}
	s := &session{client: client, token: token, grace: a.cfg.StopGrace}
	b, err := tele.NewBot(tele.Settings{
		URL:    a.cfg.APIURL,
		Token:  token,
		Poller: &tele.LongPoller{Timeout: a.cfg.PollTimeout},
		Client: client,
		OnError: func(err error, c tele.Context) {
			s.log.Warn("update handler failed", logx.Err(s.redact(err)))
		},
	})
	if err != nil {
		client.CloseIdleConnections()
		return nil, fmt.Errorf("telegram: verify identity: %w", s.redact(err))
	}
	if err := ctx.Err(); err != nil {
		client.CloseIdleConnections()
		return nil, err
	}

	s.bot = b
	if b.Me != nil {
		s.id = channel.Identity{ID: b.Me.ID, Username: b.Me.Username, Name: strings.TrimSpace(b.Me.FirstName + " " + b.Me.LastName)}
	}
	s.log = a.log.With(logx.String("bot", s.id.Username))
	return s, nil
}

type session struct {
	bot    *tele.Bot
	client *http.Client
	token  string
	id     channel.Identity
	log    logx.Logger
	grace  time.Duration

	listening atomic.Bool
	closeOnce sync.Once
}

func (s *session) Identity() channel.Identity { return s.id }

func (s *session) Listen(ctx context.Context, h channel.HandlerFunc) error {
	if h == nil {
		return errors.New("telegram: nil handler")
	}
	if !s.listening.CompareAndSwap(false, true) {
		return errors.New("telegram: session is already listening")
	}
	defer s.listening.Store(false)

	handle := func(c tele.Context) error {
		reply, err := h(ctx, eventFrom(c))
		if err != nil || reply == nil {
			return err
		}
		what, opt := render(*reply)
		return c.Send(what, opt)
	}
	// Commands without a dedicated handler fall through to OnText.
	s.bot.Handle(tele.OnText, handle)
	s.bot.Handle(tele.OnPhoto, handle)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.bot.Start()
	}()
	s.log.Debug("polling started")

	select {
	case <-done:
		return errors.New("telegram: poller exited")
	case <-ctx.Done():
	}

	// Stop blocks until the poll loop acknowledges; keep shutdown bounded.
	go s.bot.Stop()
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-done:
		s.log.Debug("polling stopped")
	case <-t.C:
		s.log.Warn("polling stop timed out", logx.Duration("grace", s.grace))
	}
	return nil
}

func (s *session) Send(ctx context.Context, to int64, p channel.Payload) channel.Outcome {
	if err := ctx.Err(); err != nil {
		return channel.Failed(err)
	}
	what, opt := render(p)
	_, err := s.bot.Send(tele.ChatID(to), what, opt)
	out := Classify(err)
	out.Err = s.redact(out.Err)
	return out
}

// SendText delivers a plain-text line; it lets a session back the ops log sink.
func (s *session) SendText(ctx context.Context, chatID int64, text string) error {
	return s.Send(ctx, chatID, channel.Payload{Text: text}).Err
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.client.CloseIdleConnections()
	})
	return nil
}

// redact strips the bot token from transport errors (request URLs embed it).
func (s *session) redact(err error) error {
	if err == nil || s.token == "" || !strings.Contains(err.Error(), s.token) {
		return err
	}
	return redactedError{msg: strings.ReplaceAll(err.Error(), s.token, "<token>"), err: err}
}

type redactedError struct {
	msg string
	err error
}

func (e redactedError) Error() string { return e.msg }
func (e redactedError) Unwrap() error { return e.err }

func eventFrom(c tele.Context) channel.Event {
	ev := channel.Event{Text: c.Text(), At: time.Now()}
	if chat := c.Chat(); chat != nil {
		ev.ChatID = chat.ID
	}
	if m := c.Message(); m != nil {
		if ev.Text == "" {
			ev.Text = m.Caption
		}
		if !m.Time().IsZero() {
			ev.At = m.Time()
		}
	}
	if u := c.Sender(); u != nil {
		ev.From = channel.User{
			ExternalID:   u.ID,
			Username:     u.Username,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
			LanguageCode: u.LanguageCode,
		}
	}
	return ev
}

// render maps a payload to a telebot sendable plus options.
func render(p channel.Payload) (any, *tele.SendOptions) {
	opt := &tele.SendOptions{ParseMode: tele.ParseMode(p.ParseMode)}
	if len(p.Buttons) > 0 {
		rm := &tele.ReplyMarkup{}
		rows := make([]tele.Row, 0, len(p.Buttons))
		for _, row := range p.Buttons {
			btns := make([]tele.Btn, 0, len(row))
			for _, b := range row {
				btns = append(btns, rm.URL(b.Text, b.URL))
			}
			rows = append(rows, rm.Row(btns...))
		}
		rm.Inline(rows...)
		opt.ReplyMarkup = rm
	}
	if p.Media == nil {
		return p.Text, opt
	}
	file := tele.File{FileID: p.Media.FileID}
	switch p.Media.Type {
	case model.MediaPhoto:
		return &tele.Photo{File: file, Caption: p.Text}, opt
	case model.MediaVideo:
		return &tele.Video{File: file, Caption: p.Text}, opt
	case model.MediaDocument:
		return &tele.Document{File: file, Caption: p.Text}, opt
	case model.MediaAnimation:
		return &tele.Animation{File: file, Caption: p.Text}, opt
	}
	return p.Text, opt
}
