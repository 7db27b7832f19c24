package db

import (
	"context"
	"time"

	"maplebill/internal/types"
)

// ProcessorEventRepository tracks processed payment-processor webhook events
// for deduplication. Processors redeliver; the engine must apply each event
// at most once.
type ProcessorEventRepository struct {
	db DBTX
}

// NewProcessorEventRepository creates a repository backed by the given
// database connection (pool or transaction).
func NewProcessorEventRepository(db DBTX) *ProcessorEventRepository {
	return &ProcessorEventRepository{db: db}
}

// MarkProcessed records the event id if unseen. Returns true when this call
// claimed the event, false when a prior delivery already did. The insert and
// the claim decision are a single statement so concurrent deliveries cannot
// both win.
func (r *ProcessorEventRepository) MarkProcessed(ctx context.Context, eventID, eventType string, occurredAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processor_events (event_id, event_type, occurred_at, processed_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
		eventType,
		occurredAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processor event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PruneBefore deletes dedup rows older than the cutoff. Redeliveries outside
// the retention window are rare enough that the optimistic lock on the
// aggregate catches them instead.
func (r *ProcessorEventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processor_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune processor events", err)
	}
	return tag.RowsAffected(), nil
}
