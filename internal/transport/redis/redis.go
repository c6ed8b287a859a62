// Package redis carries chat envelopes over Redis pub/sub. Each view owns its
// own subscription on the viewer's inbox channel; sends are published to a
// shared outbound channel consumed by the marketplace realtime service.
package redis

import (
	"context"
	"encoding/json"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/beantrade/syncgw/internal/transport"
)

const DefaultOutboundChannel = "chat:outbound"

func InboxChannel(userID string) string {
	return "chat:user:" + userID
}

type Transport struct {
	rdb      *goredis.Client
	userID   string
	outbound string

	handlers transport.Handlers

	mu   sync.Mutex
	ps   *goredis.PubSub
	done chan struct{}
}

func New(rdb *goredis.Client, userID, outbound string) *Transport {
	if outbound == "" {
		outbound = DefaultOutboundChannel
	}
	return &Transport{rdb: rdb, userID: userID, outbound: outbound}
}

// NewFactory returns a transport.Factory sharing one client pool between
// views. Subscriptions are still per view.
func NewFactory(rdb *goredis.Client, outbound string) transport.Factory {
	return func(_ context.Context, userID string) (transport.Transport, error) {
		return New(rdb, userID, outbound), nil
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ps != nil {
		return nil
	}

	ps := t.rdb.Subscribe(ctx, InboxChannel(t.userID))
	// wait for the subscription confirmation so no publish slips past us
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	t.ps = ps
	t.done = make(chan struct{})
	go t.loop(ps.Channel(), t.done)
	return nil
}

func (t *Transport) loop(in <-chan *goredis.Message, done chan struct{}) {
	defer close(done)
	for m := range in {
		env, err := transport.DecodeEnvelope([]byte(m.Payload))
		if err != nil {
			log.Warn().Err(err).Str("channel", m.Channel).Msg("redis transport: dropping payload")
			continue
		}
		t.handlers.Dispatch(env)
	}
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	ps, done := t.ps, t.done
	t.ps, t.done = nil, nil
	t.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

func (t *Transport) OnMessage(h transport.Handler) func() {
	return t.handlers.Add(h)
}

func (t *Transport) SendMessage(ctx context.Context, msg transport.Outbound) error {
	t.mu.Lock()
	connected := t.ps != nil
	t.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.rdb.Publish(ctx, t.outbound, body).Err()
}
