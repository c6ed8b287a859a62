// Package loopback is an in-process push transport. Sends are confirmed with
// a ULID and the hub clock, then delivered to every connected view of the
// sender and the recipient. Used for local development and tests.
package loopback

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/beantrade/syncgw/internal/transport"
)

type Hub struct {
	mu      sync.Mutex
	views   map[string]map[*Transport]struct{}
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
	sendErr error
	// DropClientID strips the correlation token from confirmations, the way
	// older marketplace builds do.
	dropClientID bool
	sent         []transport.Envelope
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func WithoutClientID() Option {
	return func(h *Hub) { h.dropClientID = true }
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		views:   make(map[string]map[*Transport]struct{}),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		now:     time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Factory() transport.Factory {
	return func(_ context.Context, userID string) (transport.Transport, error) {
		return h.Transport(userID), nil
	}
}

func (h *Hub) Transport(userID string) *Transport {
	return &Transport{hub: h, userID: userID}
}

// FailSends makes every following SendMessage return err. nil restores.
func (h *Hub) FailSends(err error) {
	h.mu.Lock()
	h.sendErr = err
	h.mu.Unlock()
}

// Sent returns every envelope the hub has confirmed, in order.
func (h *Hub) Sent() []transport.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Envelope(nil), h.sent...)
}

// Deliver pushes env to every connected view of userID, as a redelivery or
// a message from outside the hub would arrive.
func (h *Hub) Deliver(userID string, env transport.Envelope) {
	for _, t := range h.connected(userID) {
		t.handlers.Dispatch(env)
	}
}

func (h *Hub) connected(userID string) []*Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Transport, 0, len(h.views[userID]))
	for t := range h.views[userID] {
		out = append(out, t)
	}
	return out
}

func (h *Hub) confirm(msg transport.Outbound) (transport.Envelope, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return transport.Envelope{}, h.sendErr
	}
	now := h.now()
	id, err := ulid.New(ulid.Timestamp(now), h.entropy)
	if err != nil {
		return transport.Envelope{}, err
	}
	env := transport.Envelope{
		ID:          id.String(),
		ClientID:    msg.ClientID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		ListingID:   msg.ListingID,
		Message:     msg.Message,
		CreatedAt:   now,
	}
	if h.dropClientID {
		env.ClientID = ""
	}
	h.sent = append(h.sent, env)
	return env, nil
}

type Transport struct {
	hub      *Hub
	userID   string
	handlers transport.Handlers

	mu        sync.Mutex
	connected bool
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected {
		return nil
	}
	t.hub.mu.Lock()
	if t.hub.views[t.userID] == nil {
		t.hub.views[t.userID] = make(map[*Transport]struct{})
	}
	t.hub.views[t.userID][t] = struct{}{}
	t.hub.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil
	}
	t.hub.mu.Lock()
	delete(t.hub.views[t.userID], t)
	t.hub.mu.Unlock()
	t.connected = false
	return nil
}

func (t *Transport) OnMessage(h transport.Handler) func() {
	return t.handlers.Add(h)
}

func (t *Transport) SendMessage(ctx context.Context, msg transport.Outbound) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	env, err := t.hub.confirm(msg)
	if err != nil {
		return err
	}
	t.hub.Deliver(msg.SenderID, env)
	if msg.RecipientID != msg.SenderID {
		t.hub.Deliver(msg.RecipientID, env)
	}
	return nil
}
