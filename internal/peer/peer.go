// Package peer simulates a receiving device. It answers each attempt read
// from the attempt stream with an ack, or with a nack at a configured ratio.
package peer

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/theognis1002/appmsg-relay/internal/config"
	"github.com/theognis1002/appmsg-relay/internal/stream"
)

type Peer struct {
	cfg    config.PeerConfig
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand

	acked  atomic.Int64
	nacked atomic.Int64
}

// Option configures a Peer.
type Option func(*Peer)

// WithRand sets the source used to decide rejections.
func WithRand(r *rand.Rand) Option {
	return func(p *Peer) { p.rng = r }
}

func New(cfg config.PeerConfig, logger *slog.Logger, opts ...Option) *Peer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RejectRatio < 0 {
		cfg.RejectRatio = 0
	}
	if cfg.RejectRatio > 1 {
		cfg.RejectRatio = 1
	}
	p := &Peer{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run answers deliveries with cfg.Workers workers until ctx is cancelled or
// deliveries is closed.
func (p *Peer) Run(ctx context.Context, deliveries <-chan stream.Delivery) {
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.worker(ctx, workerID, deliveries)
		}(i)
	}

	wg.Wait()
	p.logger.Info("all peer workers stopped", "acked", p.acked.Load(), "nacked", p.nacked.Load())
}

// Acked returns the number of attempts acked so far.
func (p *Peer) Acked() int64 { return p.acked.Load() }

// Nacked returns the number of attempts rejected so far.
func (p *Peer) Nacked() int64 { return p.nacked.Load() }

func (p *Peer) worker(ctx context.Context, id int, deliveries <-chan stream.Delivery) {
	logger := p.logger.With("worker", id)
	logger.Info("peer worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("peer worker stopping")
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.Info("delivery channel closed")
				return
			}
			p.answer(logger, d)
		}
	}
}

func (p *Peer) answer(logger *slog.Logger, d stream.Delivery) {
	logger = logger.With("attempt", d.ID)

	if p.reject() {
		if err := d.Nack(); err != nil {
			logger.Error("failed to nack attempt", "error", err)
			return
		}
		p.nacked.Add(1)
		logger.Debug("attempt rejected")
		return
	}

	if err := d.Ack(); err != nil {
		logger.Error("failed to ack attempt", "error", err)
		return
	}
	p.acked.Add(1)
	logger.Debug("attempt accepted", "fields", len(d.Payload))
}

func (p *Peer) reject() bool {
	switch p.cfg.RejectRatio {
	case 0:
		return false
	case 1:
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() < p.cfg.RejectRatio
}
