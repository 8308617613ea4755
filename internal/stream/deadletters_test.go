package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/theognis1002/appmsg-relay/internal/queue"
)

func TestDeadLetters_Publish(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewDeadLetters(rdb, testNames())

	now := time.Now().UTC().Truncate(time.Millisecond)
	res := queue.Result{
		ID:         uuid.New(),
		Payload:    queue.Payload{"text": "lost"},
		State:      queue.StateFailed,
		Attempts:   5,
		EnqueuedAt: now.Add(-time.Second),
		ResolvedAt: now,
	}
	if err := d.Publish(context.Background(), NewDeadLetter(res)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	n, err := d.Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}

	msgs, err := rdb.XRange(context.Background(), testNames().DeadLetters, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	var got DeadLetter
	if err := json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &got); err != nil {
		t.Fatalf("decoding dead letter: %v", err)
	}
	if got.ID != res.ID.String() || got.Attempts != 5 || got.Payload["text"] != "lost" {
		t.Errorf("dead letter = %+v", got)
	}
	if !got.FailedAt.Equal(now) {
		t.Errorf("FailedAt = %v, want %v", got.FailedAt, now)
	}
}

func TestDeadLetters_LenEmpty(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	n, err := NewDeadLetters(rdb, testNames()).Len(context.Background())
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}
