package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
)

// Repository owns the outbox_events table. Every method runs on a transaction
// supplied by the caller so events commit with the state change that caused them.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Record is an outbox row as read back by the publisher.
type Record struct {
	ID            int64     `db:"id"`
	EventID       string    `db:"event_id"`
	AggregateType string    `db:"aggregate_type"`
	AggregateID   string    `db:"aggregate_id"`
	EventType     string    `db:"event_type"`
	Payload       []byte    `db:"payload"`
	Traceparent   string    `db:"traceparent"`
	Tracestate    string    `db:"tracestate"`
	CreatedAt     time.Time `db:"created_at"`
}

const insertEvent = `
INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
VALUES (@aggregate_type, @aggregate_id, @event_type, @payload, NULLIF(@traceparent, ''), NULLIF(@tracestate, ''))`

// Insert stores evt together with the trace context active on ctx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	tp, ts := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, insertEvent, pgx.NamedArgs{
		"aggregate_type": evt.AggregateType,
		"aggregate_id":   evt.AggregateID,
		"event_type":     evt.EventType,
		"payload":        evt.Payload,
		"traceparent":    tp,
		"tracestate":     ts,
	})
	return err
}

const claimPending = `
SELECT id, event_id::text AS event_id, aggregate_type, aggregate_id, event_type, payload,
	COALESCE(traceparent, '') AS traceparent, COALESCE(tracestate, '') AS tracestate, created_at
FROM outbox_events
WHERE published_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED`

// Claim locks the oldest pending rows. Rows locked by another publisher are
// skipped, so replicas never send the same event twice in one pass.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, claimPending, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[Record])
}

// Ack marks the given rows as sent.
func (r *Repository) Ack(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids)
	return err
}

// Prune removes at most limit sent rows older than before and reports how
// many went.
func (r *Repository) Prune(ctx context.Context, tx pgx.Tx, before time.Time, limit int) (int64, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE published_at IS NOT NULL AND published_at < $1
			ORDER BY id
			LIMIT $2
		)`, before, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
