// Package channeltest provides an in-memory channel.Adapter for tests.
package channeltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"botfleet/internal/channel"
)

// Delivery records one Send call.
type Delivery struct {
	Token   string
	To      int64
	Payload channel.Payload
	Outcome channel.Outcome
}

// Adapter is a scriptable fake. Each token gets one identity; sends succeed
// unless an outcome was scripted for the recipient.
type Adapter struct {
	mu       sync.Mutex
	nextID   int64
	failOpen map[string]error
	scripts  map[int64][]channel.Outcome
	sessions map[string]*Session
	sends    []Delivery
	opens    int
	gate     chan struct{}

	// OnSend, when set, runs after each recorded send outside the adapter lock.
	OnSend func(d Delivery, n int)
}

var _ channel.Adapter = (*Adapter)(nil)

func NewAdapter() *Adapter {
	return &Adapter{
		failOpen: map[string]error{},
		scripts:  map[int64][]channel.Outcome{},
		sessions: map[string]*Session{},
	}
}

// FailOpen makes Open(token) return err.
func (a *Adapter) FailOpen(token string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOpen[token] = err
}

// Script queues outcomes for sends to the given recipient, consumed in order.
func (a *Adapter) Script(to int64, outcomes ...channel.Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[to] = append(a.scripts[to], outcomes...)
}

// BlockOpen makes Open wait until the returned release func is called.
func (a *Adapter) BlockOpen() (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.gate = ch
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			if a.gate == ch {
				a.gate = nil
			}
			a.mu.Unlock()
			close(ch)
		})
	}
}

func (a *Adapter) Open(ctx context.Context, token string) (channel.Session, error) {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.opens++
	if token == "" {
		return nil, errors.New("channeltest: empty token")
	}
	if err := a.failOpen[token]; err != nil {
		return nil, err
	}
	a.nextID++
	s := &Session{
		adapter: a,
		token:   token,
		id:      channel.Identity{ID: a.nextID, Username: fmt.Sprintf("bot%d", a.nextID), Name: "Bot " + token},
		exit:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
	a.sessions[token] = s
	return s, nil
}

// Opened reports how many Open calls were made.
func (a *Adapter) Opened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opens
}

// Session returns the most recent session opened for token.
func (a *Adapter) Session(token string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[token]
}

// Sends returns a copy of every recorded send.
func (a *Adapter) Sends() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Delivery(nil), a.sends...)
}

// SendsTo returns how many sends targeted the recipient.
func (a *Adapter) SendsTo(to int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, d := range a.sends {
		if d.To == to {
			n++
		}
	}
	return n
}

func (a *Adapter) send(token string, to int64, p channel.Payload) channel.Outcome {
	a.mu.Lock()
	out := channel.OK()
	if q := a.scripts[to]; len(q) > 0 {
		out = q[0]
		a.scripts[to] = q[1:]
	}
	d := Delivery{Token: token, To: to, Payload: p, Outcome: out}
	a.sends = append(a.sends, d)
	n := len(a.sends)
	hook := a.OnSend
	a.mu.Unlock()

	if hook != nil {
		hook(d, n)
	}
	return out
}

// Session is a fake channel.Session.
type Session struct {
	adapter *Adapter
	token   string
	id      channel.Identity

	mu        sync.Mutex
	handler   channel.HandlerFunc
	listening bool
	exit      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *Session) Identity() channel.Identity { return s.id }

func (s *Session) Listen(ctx context.Context, h channel.HandlerFunc) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return errors.New("channeltest: already listening")
	}
	s.listening = true
	s.handler = h
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.listening = false
		s.handler = nil
		s.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-s.exit:
		return err
	}
}

func (s *Session) Send(ctx context.Context, to int64, p channel.Payload) channel.Outcome {
	if err := ctx.Err(); err != nil {
		return channel.Failed(err)
	}
	return s.adapter.send(s.token, to, p)
}

// SendText lets a fake session stand in for the ops log sink.
func (s *Session) SendText(ctx context.Context, chatID int64, text string) error {
	return s.Send(ctx, chatID, channel.Payload{Text: text}).Err
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Listening reports whether Listen is running.
func (s *Session) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Exit makes a running Listen return err, simulating a receive-loop failure.
func (s *Session) Exit(err error) {
	select {
	case s.exit <- err:
	default:
	}
}

// Deliver feeds ev to the active handler and returns its reply.
func (s *Session) Deliver(ctx context.Context, ev channel.Event) (*channel.Payload, error) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return nil, errors.New("channeltest: not listening")
	}
	return h(ctx, ev)
}
