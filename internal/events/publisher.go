// Package events publishes circulation lifecycle events to Kafka. Publishing
// is fire-and-forget: the request that triggered an event never waits on the
// broker, and a publish failure is logged, not surfaced.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publisher writes circulation events to one topic. A nil Publisher is valid
// and drops everything, so the stack runs unchanged without a broker.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

func New(brokers []string, topic string, opts ...Option) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		client: client,
		topic:  topic,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// envelope is the wire shape of one event.
type envelope struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Publish asynchronously records one event. The collection field, when
// present, keys the record so per-title ordering holds within a collection.
func (p *Publisher) Publish(ctx context.Context, eventType string, fields map[string]string) {
	if p == nil || p.client == nil {
		return
	}

	payload, err := json.Marshal(envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: p.now().UTC(),
		Fields:    fields,
	})
	if err != nil {
		p.logger.Warn("failed to encode event", "type", eventType, "error", err)
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(fields["collection"]),
		Value: payload,
	}
	p.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("failed to publish event", "type", eventType, "error", err)
		}
	})
}

// Close flushes buffered events and releases the client.
func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("failed to flush events on close", "error", err)
	}
	p.client.Close()
}
