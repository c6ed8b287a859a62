package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/beantrade/syncgw/internal/transport"
)

const (
	DefaultExchange      = "chat.delivery"
	DefaultOutboundQueue = "chat.outbound"
)

type Config struct {
	// Exchange is the topic exchange the marketplace publishes confirmed
	// messages to, routed by RoutingKey(recipient).
	Exchange      string
	OutboundQueue string
}

func RoutingKey(userID string) string {
	return "user." + userID
}

// Transport owns one AMQP channel and one exclusive auto-delete queue per
// view. The connection is shared.
type Transport struct {
	conn   *amqp.Connection
	cfg    Config
	userID string

	handlers transport.Handlers

	mu   sync.Mutex
	ch   *amqp.Channel
	done chan struct{}
}

func New(conn *amqp.Connection, cfg Config, userID string) *Transport {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.OutboundQueue == "" {
		cfg.OutboundQueue = DefaultOutboundQueue
	}
	return &Transport{conn: conn, cfg: cfg, userID: userID}
}

func NewFactory(conn *amqp.Connection, cfg Config) transport.Factory {
	return func(_ context.Context, userID string) (transport.Transport, error) {
		if conn == nil || conn.IsClosed() {
			return nil, errors.New("rabbitmq: connection is closed")
		}
		return New(conn, cfg, userID), nil
	}
}

func (t *Transport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return nil
	}

	ch, err := t.conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(
		t.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		return err
	}

	// outbound work queue consumed by the marketplace
	if _, err := ch.QueueDeclare(
		t.cfg.OutboundQueue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		_ = ch.Close()
		return err
	}

	// per-view inbox: server-named, exclusive, gone when the channel closes
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}
	if err := ch.QueueBind(q.Name, RoutingKey(t.userID), t.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return err
	}

	t.ch = ch
	t.done = make(chan struct{})
	go t.loop(deliveries, t.done)
	return nil
}

func (t *Transport) loop(deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)
	for d := range deliveries {
		env, err := transport.DecodeEnvelope(d.Body)
		if err != nil {
			log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("rabbitmq transport: bad delivery")
			continue
		}
		t.handlers.Dispatch(env)
	}
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	ch, done := t.ch, t.done
	t.ch, t.done = nil, nil
	t.mu.Unlock()

	if ch == nil {
		return nil
	}
	err := ch.Close()
	<-done
	return err
}

func (t *Transport) OnMessage(h transport.Handler) func() {
	return t.handlers.Add(h)
}

func (t *Transport) SendMessage(ctx context.Context, msg transport.Outbound) error {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return transport.ErrNotConnected
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		"",                  // default exchange
		t.cfg.OutboundQueue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			CorrelationId: msg.ClientID,
			Body:          body,
			Timestamp:     time.Now(),
		},
	)
}
