package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theognis1002/appmsg-relay/internal/database/models"
	"github.com/theognis1002/appmsg-relay/internal/queue"
)

// Ledger records terminal delivery outcomes in Postgres.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Record stores res. Results that are not terminal are ignored.
func (l *Ledger) Record(ctx context.Context, res queue.Result) error {
	rec, ok := RecordFromResult(res)
	if !ok {
		return nil
	}
	return models.InsertDelivery(ctx, l.pool, rec)
}

func (l *Ledger) Get(ctx context.Context, id string) (*models.DeliveryRecord, error) {
	return models.GetDelivery(ctx, l.pool, id)
}

func (l *Ledger) Counts(ctx context.Context) (map[string]int64, error) {
	return models.CountByStatus(ctx, l.pool)
}

// RecordFromResult converts a terminal queue result into a ledger row.
func RecordFromResult(res queue.Result) (models.DeliveryRecord, bool) {
	var status string
	switch res.State {
	case queue.StateSucceeded:
		status = models.StatusSucceeded
	case queue.StateFailed:
		status = models.StatusFailed
	default:
		return models.DeliveryRecord{}, false
	}
	return models.DeliveryRecord{
		ID:         res.ID.String(),
		Payload:    map[string]any(res.Payload),
		Status:     status,
		Attempts:   res.Attempts,
		EnqueuedAt: res.EnqueuedAt,
		ResolvedAt: res.ResolvedAt,
	}, true
}
