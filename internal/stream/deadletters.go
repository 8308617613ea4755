package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DeadLetters publishes abandoned messages to the dead-letter stream.
type DeadLetters struct {
	rdb    *redis.Client
	stream string
}

func NewDeadLetters(rdb *redis.Client, names Names) *DeadLetters {
	return &DeadLetters{rdb: rdb, stream: names.DeadLetters}
}

func (d *DeadLetters) Publish(ctx context.Context, dl DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	return d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{"payload": string(body)},
	}).Err()
}

// Len returns the number of entries in the dead-letter stream.
func (d *DeadLetters) Len(ctx context.Context) (int64, error) {
	return d.rdb.XLen(ctx, d.stream).Result()
}
