// Package outbox hands committed events to fan-out, either in process or
// through a Kafka topic that every gateway relays back to its own pool.
package outbox

import (
	"context"

	"github.com/mahaj/chat-fanout/pkg/model"
)

// Sink accepts events for delivery. Enqueue must not block.
type Sink interface {
	Enqueue(ev *model.Event) bool
}

type Outbox interface {
	Publish(ctx context.Context, ev *model.Event) error
	Close() error
}

// Local passes events straight to the sink.
type Local struct {
	sink Sink
}

func NewLocal(sink Sink) *Local {
	return &Local{sink: sink}
}

func (l *Local) Publish(_ context.Context, ev *model.Event) error {
	l.sink.Enqueue(ev)
	return nil
}

func (l *Local) Close() error { return nil }
