// Package outbox publishes alert events straight to NATS. It is used when
// no Postgres outbox is configured.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/safecircle/internal/domain"
)

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes alert events to the subject of their type.
type Publisher struct {
	conn MsgPublisher
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn MsgPublisher) *Publisher {
	return &Publisher{conn: conn}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.AlertEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(event.Type.Subject())
	msg.Data = payload
	msg.Header.Set("x-alert-id", event.AlertID.String())
	msg.Header.Set("x-event-type", string(event.Type))
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Header.Set("x-trace-id", traceID)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
