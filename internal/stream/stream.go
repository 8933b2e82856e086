// Package stream publishes decision and fill events to Kafka. Publishing is
// best effort: a broker outage is logged and counted but never blocks the
// trading cycle.
package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/akarpov91/tradecore/internal/config"
	"github.com/akarpov91/tradecore/internal/observ"
)

// DecisionEvent mirrors one policy outcome, including the ones that did not
// trade: denials and outranked entries are exactly what downstream analysis
// wants to see.
type DecisionEvent struct {
	Symbol    string          `json:"symbol"`
	Action    string          `json:"action"`
	Mode      string          `json:"mode,omitempty"`
	Trigger   string          `json:"trigger,omitempty"`
	Composite float64         `json:"composite"`
	Size      float64         `json:"size_fraction,omitempty"`
	Denied    string          `json:"denied,omitempty"`
	Reason    json.RawMessage `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// FillEvent mirrors one executed fill.
type FillEvent struct {
	OrderID  string    `json:"order_id"`
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"`
	Mode     string    `json:"mode,omitempty"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Fee      float64   `json:"fee"`
	PnL      float64   `json:"pnl"`
	Tag      string    `json:"tag,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is what the cycle runner depends on. Noop stands in when
// streaming is disabled and during replay.
type Publisher interface {
	PublishDecision(ctx context.Context, ev DecisionEvent) error
	PublishFill(ctx context.Context, ev FillEvent) error
	Close() error
}

// Kafka keys every message by symbol so per-asset ordering survives
// partitioning.
type Kafka struct {
	writer         *kafka.Writer
	decisionsTopic string
	fillsTopic     string
}

func NewKafka(cfg config.Stream) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
			Transport:    &kafka.Transport{ClientID: cfg.ClientID},
		},
		decisionsTopic: cfg.DecisionsTopic,
		fillsTopic:     cfg.FillsTopic,
	}
}

func (k *Kafka) PublishDecision(ctx context.Context, ev DecisionEvent) error {
	return k.publish(ctx, k.decisionsTopic, ev.Symbol, ev, "decision")
}

func (k *Kafka) PublishFill(ctx context.Context, ev FillEvent) error {
	return k.publish(ctx, k.fillsTopic, ev.Symbol, ev, "fill")
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func (k *Kafka) publish(ctx context.Context, topic, key string, v any, kind string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: b,
	})
	if err != nil {
		observ.IncCounter("stream_publish_errors_total", map[string]string{"kind": kind})
		observ.Warn("stream_publish_failed", map[string]any{
			"kind":  kind,
			"topic": topic,
			"error": err.Error(),
		})
		return err
	}
	observ.IncCounter("stream_published_total", map[string]string{"kind": kind})
	return nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) PublishDecision(context.Context, DecisionEvent) error { return nil }
func (Noop) PublishFill(context.Context, FillEvent) error         { return nil }
func (Noop) Close() error                                         { return nil }

// FromConfig returns the configured publisher.
func FromConfig(cfg config.Stream) Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		return Noop{}
	}
	return NewKafka(cfg)
}
