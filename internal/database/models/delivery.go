package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no delivery has the requested id.
var ErrNotFound = errors.New("delivery not found")

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DeliveryRecord is the terminal outcome of one queued message.
type DeliveryRecord struct {
	ID         string         `json:"id"`
	Payload    map[string]any `json:"payload"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

func InsertDelivery(ctx context.Context, pool *pgxpool.Pool, d DeliveryRecord) error {
	_, err := pool.Exec(ctx,
		`INSERT INTO deliveries (id, payload, status, attempts, enqueued_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
		   resolved_at = EXCLUDED.resolved_at`,
		d.ID, d.Payload, d.Status, d.Attempts, d.EnqueuedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("inserting delivery %s: %w", d.ID, err)
	}
	return nil
}

func GetDelivery(ctx context.Context, pool *pgxpool.Pool, id string) (*DeliveryRecord, error) {
	row := pool.QueryRow(ctx,
		`SELECT id, payload, status, attempts, enqueued_at, resolved_at
		 FROM deliveries WHERE id = $1`, id)

	d := &DeliveryRecord{}
	err := row.Scan(&d.ID, &d.Payload, &d.Status, &d.Attempts, &d.EnqueuedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting delivery %s: %w", id, err)
	}
	return d, nil
}

// CountByStatus returns the number of recorded deliveries per status.
func CountByStatus(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	rows, err := pool.Query(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
