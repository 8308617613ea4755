// Package relay fans terminal delivery outcomes out to the ledger, the
// dead-letter stream and the dead-letter archive.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/theognis1002/appmsg-relay/internal/metrics"
	"github.com/theognis1002/appmsg-relay/internal/queue"
	"github.com/theognis1002/appmsg-relay/internal/storage"
	"github.com/theognis1002/appmsg-relay/internal/stream"
)

const defaultWriteTimeout = 5 * time.Second

// Ledger stores every terminal outcome.
type Ledger interface {
	Record(ctx context.Context, res queue.Result) error
}

// DeadLetterPublisher receives messages abandoned after their final attempt.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl stream.DeadLetter) error
}

// Archiver keeps a durable copy of each dead letter.
type Archiver interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Recorder is a queue.OutcomeHook. Sink errors are logged and counted, never
// returned to the queue.
type Recorder struct {
	ledger  Ledger
	dlq     DeadLetterPublisher
	archive Archiver
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Recorder)

func WithLedger(l Ledger) Option {
	return func(r *Recorder) { r.ledger = l }
}

func WithDeadLetters(p DeadLetterPublisher) Option {
	return func(r *Recorder) { r.dlq = p }
}

func WithArchive(a Archiver) Option {
	return func(r *Recorder) { r.archive = a }
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRecorder(logger *slog.Logger, opts ...Option) *Recorder {
	r := &Recorder{timeout: defaultWriteTimeout, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record writes res to every configured sink.
func (r *Recorder) Record(res queue.Result) {
	logger := r.logger.With("id", res.ID, "state", res.State, "attempts", res.Attempts)

	if r.ledger != nil {
		r.write(logger, "ledger", func(ctx context.Context) error {
			return r.ledger.Record(ctx, res)
		})
	}

	if res.State != queue.StateFailed {
		return
	}
	dl := stream.NewDeadLetter(res)

	if r.dlq != nil {
		r.write(logger, "dlq", func(ctx context.Context) error {
			return r.dlq.Publish(ctx, dl)
		})
	}
	if r.archive != nil {
		r.write(logger, "archive", func(ctx context.Context) error {
			body, err := json.Marshal(dl)
			if err != nil {
				return err
			}
			return r.archive.PutObject(ctx, storage.DeadLetterKey(dl.ID, dl.FailedAt), body, "application/json")
		})
	}
}

func (r *Recorder) write(logger *slog.Logger, sink string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := fn(ctx)
	metrics.RecordSinkWrite(sink, err)
	if err != nil {
		logger.Error("recording outcome", "sink", sink, "error", err)
	}
}
