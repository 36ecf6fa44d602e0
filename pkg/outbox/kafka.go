package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/chat-fanout/pkg/model"
)

const DefaultTopic = "chat-events"

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID of the relay reader. Each gateway needs its own group so
	// every instance sees every event.
	GroupID string
}

// Kafka writes events keyed by chat id, so one chat's events share a
// partition and keep their order, and relays the topic back into a sink.
type Kafka struct {
	writer *kafka.Writer
	reader *kafka.Reader
	sink   Sink
	logger *slog.Logger
}

func NewKafka(cfg KafkaConfig, sink Sink, logger *slog.Logger) *Kafka {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "gateway-" + time.Now().Format("20060102150405.000000")
	}
	if logger == nil {
		logger = slog.Default()
	}
	k := &Kafka{sink: sink, logger: logger}
	k.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 5 * time.Millisecond,
		Completion:   k.completed,
	}
	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return k
}

func (k *Kafka) completed(msgs []kafka.Message, err error) {
	if err != nil {
		k.logger.Error("outbox write failed", "count", len(msgs), "err", err)
	}
}

// Publish queues ev on the writer. Delivery errors surface through the
// completion log, not here.
func (k *Kafka) Publish(ctx context.Context, ev *model.Event) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

// Run relays the topic into the sink until ctx is done.
func (k *Kafka) Run(ctx context.Context) error {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			k.logger.Warn("outbox relay read failed, retrying", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		ev, err := decode(m)
		if err != nil {
			k.logger.Error("outbox relay dropped undecodable event", "offset", m.Offset, "err", err)
			continue
		}
		k.sink.Enqueue(ev)
	}
}

func (k *Kafka) Close() error {
	return errors.Join(k.writer.Close(), k.reader.Close())
}

func encode(ev *model.Event) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	return kafka.Message{
		Key:   []byte(ev.ChatID),
		Value: b,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

func decode(m kafka.Message) (*model.Event, error) {
	var ev model.Event
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
