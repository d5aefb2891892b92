// Package outbox relays alert lifecycle events staged in Postgres to NATS.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	relayPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_outbox_published_total",
		Help: "Alert events relayed from the outbox to NATS.",
	})
	relayFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alert_outbox_fail_total",
		Help: "Alert outbox publishes that failed after exhausting retries.",
	})
	relayLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alert_outbox_lag_seconds",
		Help: "Age of the oldest event in the last relayed batch.",
	})
)

// WorkerConfig tunes the relay loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	RetryMax     int
	// RetryBackoff is the base delay; attempt n waits n*n*RetryBackoff.
	RetryBackoff time.Duration
}

// MsgPublisher is satisfied by *nats.Conn.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Worker drains unpublished alert_outbox rows in id order.
type Worker struct {
	db        *sql.DB
	publisher MsgPublisher
	logger    *zap.Logger
	cfg       WorkerConfig
	tracer    trace.Tracer
}

// NewWorker constructs a relay worker.
func NewWorker(db *sql.DB, publisher MsgPublisher, logger *zap.Logger, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		db:        db,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		tracer:    otel.Tracer("safecircle.outbox.worker"),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.db == nil || w.publisher == nil {
		return errors.New("outbox worker requires database and NATS connection")
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("outbox batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type record struct {
	ID        int64
	AlertID   uuid.UUID
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// ProcessOnce relays one batch and returns how many events were published.
// A publish failure rolls the batch back so its rows are retried in order.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	ctx, span := w.tracer.Start(ctx, "outbox.batch")
	defer span.End()
	records, tx, err := w.loadPending(ctx)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit()
	}
	span.SetAttributes(attribute.Int("batch_size", len(records)))

	ids := make([]int64, 0, len(records))
	maxLag := 0.0
	for _, rec := range records {
		if err := w.publishWithRetry(ctx, rec); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		ids = append(ids, rec.ID)
		relayPublishedTotal.Inc()
		if lag := time.Since(rec.CreatedAt).Seconds(); lag > maxLag {
			maxLag = lag
		}
	}
	relayLagSeconds.Set(maxLag)
	if err := w.markPublished(ctx, tx, ids); err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit outbox: %w", err)
	}
	return len(ids), nil
}

func (w *Worker) loadPending(ctx context.Context) ([]record, *sql.Tx, error) {
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	rows, err := tx.QueryContext(ctx, `SELECT id, alert_id, topic, payload, created_at FROM alert_outbox
WHERE published = false ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, w.cfg.BatchSize)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("select outbox: %w", err)
	}
	defer rows.Close()
	var records []record
	for rows.Next() {
		var rec record
		if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.Topic, &rec.Payload, &rec.CreatedAt); err != nil {
			_ = tx.Rollback()
			return nil, nil, fmt.Errorf("scan outbox: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return records, tx, nil
}

func (w *Worker) markPublished(ctx context.Context, tx *sql.Tx, ids []int64) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf("UPDATE alert_outbox SET published = true WHERE id IN (%s)", strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

func (w *Worker) publishWithRetry(ctx context.Context, rec record) error {
	ctx, span := w.tracer.Start(ctx, "outbox.publish", trace.WithAttributes(
		attribute.Int64("outbox_id", rec.ID),
		attribute.String("topic", rec.Topic),
	))
	defer span.End()
	if rec.Topic == "" {
		return fmt.Errorf("outbox record %d missing topic", rec.ID)
	}
	msg := nats.NewMsg(rec.Topic)
	msg.Data = rec.Payload
	msg.Header.Set("x-alert-id", rec.AlertID.String())
	msg.Header.Set("x-outbox-id", fmt.Sprint(rec.ID))
	if sc := span.SpanContext(); sc.IsValid() {
		msg.Header.Set("traceparent", fmt.Sprintf("00-%s-%s-01", sc.TraceID(), sc.SpanID()))
	}
	var attempt int
	for {
		attempt++
		err := w.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}
		w.logger.Warn("publish failed", zap.Error(err), zap.Int("attempt", attempt), zap.Int64("outbox_id", rec.ID))
		if attempt >= w.cfg.RetryMax {
			relayFailTotal.Inc()
			return fmt.Errorf("publish outbox %d: %w", rec.ID, err)
		}
		backoff := time.Duration(attempt*attempt) * w.cfg.RetryBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
