package queue

import (
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultMaxAttempts is the number of attempts made before a message is
	// reported as failed.
	DefaultMaxAttempts = 5

	defaultRetryBackoff = 200 * time.Millisecond
)

// Config controls retry behavior and instrumentation of a DeliveryQueue.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      Metrics
	OutcomeHook  OutcomeHook
}

func defaultConfig() Config {
	return Config{
		MaxAttempts:  DefaultMaxAttempts,
		RetryBackoff: defaultRetryBackoff,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	return c
}

// Option configures a DeliveryQueue.
type Option func(*Config)

// WithMaxAttempts sets how many attempts a message gets before it fails.
// Non-positive values select DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Config) {
		c.MaxAttempts = n
	}
}

// WithRetryBackoff sets the base pause between a rejection and the retry.
// Zero retries immediately.
func WithRetryBackoff(base time.Duration) Option {
	return func(c *Config) {
		c.RetryBackoff = base
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the queue metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithOutcomeHook registers a hook that observes every terminal message.
func WithOutcomeHook(hook OutcomeHook) Option {
	return func(c *Config) {
		c.OutcomeHook = hook
	}
}

// Metrics captures queue telemetry.
type Metrics interface {
	// AddAttempt counts a delivery attempt handed to the transport.
	AddAttempt()
	// AddAck counts an acked attempt.
	AddAck()
	// AddNack counts a rejected attempt.
	AddNack()
	// AddRetry counts a rejected attempt that will be retried.
	AddRetry()
	// AddFailed counts a message abandoned after its last attempt.
	AddFailed()
	// SetLength updates the number of unresolved messages.
	SetLength(n int)
	// ObserveDelivery records the time from enqueue to a terminal state.
	ObserveDelivery(d time.Duration)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddAttempt implements Metrics.
func (NopMetrics) AddAttempt() {}

// AddAck implements Metrics.
func (NopMetrics) AddAck() {}

// AddNack implements Metrics.
func (NopMetrics) AddNack() {}

// AddRetry implements Metrics.
func (NopMetrics) AddRetry() {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed() {}

// SetLength implements Metrics.
func (NopMetrics) SetLength(int) {}

// ObserveDelivery implements Metrics.
func (NopMetrics) ObserveDelivery(time.Duration) {}
