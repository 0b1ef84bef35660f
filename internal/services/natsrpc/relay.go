package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/rs/zerolog"
)

const DefaultRelaySubject = "chat.events.>"

// Event is what CRUD services publish for the gateway to deliver.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type EventHandler interface {
	HandleRelayEvent(ctx context.Context, ev Event) error
}

// Relay subscribes to domain events and hands them to the gateway. Every
// gateway process receives every event since each owns its own connections.
type Relay struct {
	nc      *nats.Conn
	subject string
	handler EventHandler
	timeout time.Duration
	log     zerolog.Logger
	sub     *nats.Subscription
}

func NewRelay(nc *nats.Conn, subject string, handler EventHandler, timeout time.Duration, l zerolog.Logger) *Relay {
	if subject == "" {
		subject = DefaultRelaySubject
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Relay{
		nc:      nc,
		subject: subject,
		handler: handler,
		timeout: timeout,
		log:     l.With().Str("component", "relay").Logger(),
	}
}

func (r *Relay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, r.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	r.log.Info().Str("subject", r.subject).Msg("relay started")
	return nil
}

func (r *Relay) handle(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		r.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	ctx = logger.WithLogger(ctx, r.log.With().Str(logger.FieldEvent, ev.Event).Logger())

	if err := r.handler.HandleRelayEvent(ctx, ev); err != nil {
		r.log.Error().Err(err).Str(logger.FieldEvent, ev.Event).Msg("relay event failed")
	}
}

// Close drains the subscription.
func (r *Relay) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Drain()
}
