package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
)

// Publisher receives committed trades.
type Publisher interface {
	Publish(ctx context.Context, t model.Trade) error
}

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every trade to a Kafka topic, keyed by trade ID.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher creates a synchronous producer that waits for all
// in-sync replicas.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, t model.Trade) error {
	value, err := json.Marshal(NewTradeEvent(t))
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.ID),
		Value: value,
		Time:  t.ExecutedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type namedPublisher struct {
	name string
	pub  Publisher
}

// Multi forwards each trade to every sink. A failing sink does not stop
// the others; failures are counted per sink and joined into the result.
type Multi struct {
	sinks  []namedPublisher
	logger *slog.Logger
}

// NewMulti creates an empty fan-out publisher. A nil logger uses slog.Default().
func NewMulti(logger *slog.Logger) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{logger: logger}
}

// Add registers a sink under name. Not safe to call once publishing started.
func (m *Multi) Add(name string, p Publisher) {
	m.sinks = append(m.sinks, namedPublisher{name: name, pub: p})
}

func (m *Multi) Publish(ctx context.Context, t model.Trade) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.pub.Publish(ctx, t); err != nil {
			metrics.FeedPublishErrors.WithLabelValues(s.name).Inc()
			m.logger.Warn("trade feed publish failed", "sink", s.name, "trade_id", t.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
