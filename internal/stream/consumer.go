package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blockDuration    = 5 * time.Second
	reclaimInterval  = 30 * time.Second
	reclaimMinIdle   = 60 * time.Second
	reclaimBatchSize = 50
	replyTimeout     = 5 * time.Second
)

// Consumer reads attempts on behalf of a peer device.
type Consumer struct {
	rdb      *redis.Client
	names    Names
	consumer string
	count    int
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewConsumer(rdb *redis.Client, names Names, consumerName string, count int, logger *slog.Logger) *Consumer {
	if count <= 0 {
		count = 1
	}
	return &Consumer{
		rdb:      rdb,
		names:    names,
		consumer: consumerName,
		count:    count,
		logger:   logger.With("stream", names.Attempts, "consumer", consumerName),
	}
}

// Run starts reading from the attempt stream and returns a channel of Delivery.
// The channel is closed when ctx is cancelled and both loops exit.
func (c *Consumer) Run(ctx context.Context) <-chan Delivery {
	ch := make(chan Delivery)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx, ch)
	}()
	go func() {
		defer c.wg.Done()
		c.reclaimLoop(ctx, ch)
	}()
	go func() {
		c.wg.Wait()
		close(ch)
	}()

	return ch
}

// Wait blocks until the consumer's internal goroutines have fully exited.
func (c *Consumer) Wait() {
	c.wg.Wait()
}

func (c *Consumer) readLoop(ctx context.Context, ch chan<- Delivery) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.names.Group,
			Consumer: c.consumer,
			Streams:  []string{c.names.Attempts, ">"},
			Count:    int64(c.count),
			Block:    blockDuration,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Error("XREADGROUP error", "error", err)
			if !pause(ctx, time.Second) {
				return
			}
			continue
		}

		for _, s := range streams {
			if !c.emit(ctx, ch, s.Messages) {
				return
			}
		}
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context, ch chan<- Delivery) {
	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimPending(ctx, ch)
		}
	}
}

func (c *Consumer) reclaimPending(ctx context.Context, ch chan<- Delivery) {
	start := "0-0"
	for {
		msgs, newStart, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.names.Attempts,
			Group:    c.names.Group,
			Consumer: c.consumer,
			MinIdle:  reclaimMinIdle,
			Start:    start,
			Count:    reclaimBatchSize,
		}).Result()

		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("XAUTOCLAIM error", "error", err)
			}
			return
		}

		if len(msgs) > 0 {
			c.logger.Info("reclaimed stale attempts", "count", len(msgs))
		}
		if !c.emit(ctx, ch, msgs) {
			return
		}

		if newStart == "0-0" || len(msgs) == 0 {
			break
		}
		start = newStart
	}
}

func (c *Consumer) emit(ctx context.Context, ch chan<- Delivery, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		d, ok := c.buildDelivery(msg)
		if !ok {
			continue
		}
		select {
		case ch <- d:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (c *Consumer) buildDelivery(msg redis.XMessage) (Delivery, bool) {
	raw, ok := msg.Values["payload"].(string)
	var attempt AttemptMessage
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
			c.logger.Error("undecodable attempt", "id", msg.ID, "error", err)
			ok = false
		}
	} else {
		c.logger.Error("message missing payload field", "id", msg.ID)
		ok = false
	}
	if !ok || attempt.ID == "" {
		ackCtx, ackCancel := ctxBG()
		defer ackCancel()
		_ = c.rdb.XAck(ackCtx, c.names.Attempts, c.names.Group, msg.ID).Err()
		return Delivery{}, false
	}

	entryID := msg.ID
	return Delivery{
		ID:      attempt.ID,
		Payload: attempt.Payload,
		Body:    []byte(raw),
		Ack: func() error {
			return c.reply(entryID, ReplyMessage{ID: attempt.ID, Result: ResultAck})
		},
		Nack: func() error {
			return c.reply(entryID, ReplyMessage{ID: attempt.ID, Result: ResultNack})
		},
	}, true
}

// reply publishes the answer and acks the attempt entry in one transaction.
func (c *Consumer) reply(entryID string, r ReplyMessage) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}

	ctx, cancel := ctxBG()
	defer cancel()
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: c.names.Replies,
			Values: map[string]interface{}{"payload": string(body)},
		})
		pipe.XAck(ctx, c.names.Attempts, c.names.Group, entryID)
		return nil
	})
	return err
}

// ctxBG returns a background context with a timeout for replies that must
// complete even after the main context is cancelled.
func ctxBG() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), replyTimeout)
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
