// Package events publishes push notifications and search indexing requests to
// Kafka. Both are best-effort: the producer never blocks a send beyond the
// caller's context and delivery errors are only logged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/rs/zerolog"
)

const (
	DefaultPushTopic  = "chat.push"
	DefaultIndexTopic = "chat.search-index"
)

type PushEvent struct {
	UserId       string                `json:"user_id"`
	Notification services.Notification `json:"notification"`
	CreatedAt    time.Time             `json:"created_at"`
}

type IndexEvent struct {
	Message   types.Message `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}

type Producer struct {
	p          sarama.AsyncProducer
	pushTopic  string
	indexTopic string
	log        zerolog.Logger
	failures   atomic.Int64
	wg         sync.WaitGroup
}

func newSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Net.DialTimeout = 10 * time.Second
	return cfg
}

func NewProducer(cfg config.KafkaConfig, l zerolog.Logger) (*Producer, error) {
	p, err := sarama.NewAsyncProducer(cfg.Brokers, newSaramaConfig())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerWith(p, cfg.PushTopic, cfg.IndexTopic, l), nil
}

// NewProducerWith wraps an existing AsyncProducer and starts draining its
// error channel.
func NewProducerWith(p sarama.AsyncProducer, pushTopic, indexTopic string, l zerolog.Logger) *Producer {
	if pushTopic == "" {
		pushTopic = DefaultPushTopic
	}
	if indexTopic == "" {
		indexTopic = DefaultIndexTopic
	}

	pr := &Producer{
		p:          p,
		pushTopic:  pushTopic,
		indexTopic: indexTopic,
		log:        l.With().Str("component", "events").Logger(),
	}

	pr.wg.Add(1)
	go pr.drainErrors()

	return pr
}

func (pr *Producer) drainErrors() {
	defer pr.wg.Done()
	for perr := range pr.p.Errors() {
		pr.failures.Add(1)
		pr.log.Warn().Err(perr.Err).Str("topic", perr.Msg.Topic).Msg("event delivery failed")
	}
}

func (pr *Producer) PushToUser(ctx context.Context, userId string, n services.Notification) error {
	return pr.send(ctx, pr.pushTopic, userId, PushEvent{
		UserId:       userId,
		Notification: n,
		CreatedAt:    time.Now().UTC(),
	})
}

func (pr *Producer) IndexMessage(ctx context.Context, msg types.Message) error {
	return pr.send(ctx, pr.indexTopic, msg.ChatId, IndexEvent{
		Message:   msg,
		CreatedAt: time.Now().UTC(),
	})
}

func (pr *Producer) send(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	select {
	case pr.p.Input() <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s event: %w", topic, ctx.Err())
	}
}

// Failures is the number of events the brokers rejected so far.
func (pr *Producer) Failures() int64 {
	return pr.failures.Load()
}

// Close flushes buffered events and waits for the error drain to finish.
func (pr *Producer) Close() error {
	pr.p.AsyncClose()
	pr.wg.Wait()
	return nil
}
