package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/theognis1002/appmsg-relay/internal/queue"
)

// ErrTransportClosed is logged for attempts still waiting when the reply loop exits.
var ErrTransportClosed = errors.New("stream transport closed")

// Limiter paces attempts per device.
type Limiter interface {
	WaitForAllow(ctx context.Context, device string, intervalMs int) error
}

// Transport delivers attempts over Redis Streams. Each attempt is appended to
// the attempt stream and resolved by the peer's reply on the reply stream.
type Transport struct {
	*queue.Endpoint

	rdb        *redis.Client
	names      Names
	block      time.Duration
	limiter    Limiter
	device     string
	intervalMs int
	logger     *slog.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
	lastID  string
	closed  bool
}

// waiter is an attempt waiting for its reply. stop releases the watch on the
// attempt's context.
type waiter struct {
	ch   chan queue.Outcome
	stop func() bool
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithBlock sets how long a single XREAD on the reply stream may block.
func WithBlock(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithRateLimit waits on limiter before every attempt to device.
func WithRateLimit(limiter Limiter, device string, interval time.Duration) TransportOption {
	return func(t *Transport) {
		t.limiter = limiter
		t.device = device
		t.intervalMs = int(interval.Milliseconds())
	}
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport returns a Transport that only observes replies written after it
// was created.
func NewTransport(ctx context.Context, rdb *redis.Client, names Names, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		rdb:     rdb,
		names:   names,
		block:   blockDuration,
		logger:  slog.Default(),
		waiters: make(map[string]*waiter),
		lastID:  "0-0",
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("stream", names.Attempts)

	last, err := rdb.XRevRangeN(ctx, names.Replies, "+", "-", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading last reply id: %w", err)
	}
	if len(last) > 0 {
		t.lastID = last[0].ID
	}

	t.Endpoint = queue.NewEndpoint(t.send)
	return t, nil
}

// Pending returns the number of attempts waiting for a reply.
func (t *Transport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Transport) send(ctx context.Context, p queue.Payload) <-chan queue.Outcome {
	if t.limiter != nil && t.intervalMs > 0 {
		if err := t.limiter.WaitForAllow(ctx, t.device, t.intervalMs); err != nil {
			if ctx.Err() != nil {
				return queue.Resolved(queue.OutcomeNack)
			}
			t.logger.Warn("rate limiter error", "device", t.device, "error", err)
		}
	}

	id := uuid.NewString()
	body, err := json.Marshal(AttemptMessage{ID: id, Payload: p})
	if err != nil {
		t.logger.Error("encoding attempt", "error", err)
		return queue.Resolved(queue.OutcomeNack)
	}

	w := &waiter{ch: make(chan queue.Outcome, 1)}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return queue.Resolved(queue.OutcomeNack)
	}
	t.waiters[id] = w
	w.stop = context.AfterFunc(ctx, func() { t.forget(id) })
	t.mu.Unlock()

	err = t.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: t.names.Attempts,
		Values: map[string]interface{}{"payload": string(body)},
	}).Err()
	if err != nil {
		t.forget(id)
		t.logger.Error("XADD error", "attempt", id, "error", err)
		return queue.Resolved(queue.OutcomeNack)
	}

	t.logger.Debug("attempt published", "attempt", id)
	return w.ch
}

// Run reads the reply stream until ctx is cancelled, resolving waiting
// attempts. Attempts still waiting when Run returns have their channels closed.
func (t *Transport) Run(ctx context.Context) {
	defer t.shutdown()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := t.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.names.Replies, t.lastID},
			Count:   100,
			Block:   t.block,
		}).Result()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			t.logger.Error("XREAD error", "error", err, "replies", t.names.Replies)
			if !pause(ctx, time.Second) {
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				t.lastID = msg.ID
				t.dispatch(msg)
			}
		}
	}
}

func (t *Transport) dispatch(msg redis.XMessage) {
	raw, ok := msg.Values["payload"].(string)
	if !ok || raw == "" {
		t.logger.Error("reply missing payload field", "id", msg.ID)
		return
	}
	var reply ReplyMessage
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		t.logger.Error("undecodable reply", "id", msg.ID, "error", err)
		return
	}

	t.mu.Lock()
	w, ok := t.waiters[reply.ID]
	delete(t.waiters, reply.ID)
	t.mu.Unlock()
	if !ok {
		t.logger.Debug("reply for unknown attempt", "attempt", reply.ID)
		return
	}

	w.stop()
	w.ch <- reply.Outcome()
	close(w.ch)
}

// forget drops the waiter for id and closes its channel. Replies for it that
// arrive later are ignored.
func (t *Transport) forget(id string) {
	t.mu.Lock()
	w, ok := t.waiters[id]
	delete(t.waiters, id)
	t.mu.Unlock()
	if !ok {
		return
	}
	w.stop()
	close(w.ch)
}

func (t *Transport) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, w := range t.waiters {
		t.logger.Warn("abandoning attempt", "attempt", id, "error", ErrTransportClosed)
		w.stop()
		close(w.ch)
		delete(t.waiters, id)
	}
}
