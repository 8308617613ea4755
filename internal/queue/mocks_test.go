package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// attempt is one delivery attempt observed by mockTransport.
type attempt struct {
	payload Payload
	reply   chan Outcome
}

func (a attempt) ack()  { a.reply <- OutcomeAck }
func (a attempt) nack() { a.reply <- OutcomeNack }

// mockTransport records every attempt made through its direct entry point and
// lets the test answer each one.
type mockTransport struct {
	*Endpoint
	attempts chan attempt
}

func newMockTransport() *mockTransport {
	m := &mockTransport{attempts: make(chan attempt, 64)}
	m.Endpoint = NewEndpoint(m.send)
	return m
}

func (m *mockTransport) send(_ context.Context, p Payload) <-chan Outcome {
	reply := make(chan Outcome, 1)
	m.attempts <- attempt{payload: p, reply: reply}
	return reply
}

func (m *mockTransport) next(t *testing.T) attempt {
	t.Helper()
	select {
	case a := <-m.attempts:
		return a
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for delivery attempt")
	}
	return attempt{}
}

func (m *mockTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case a := <-m.attempts:
		t.Fatalf("unexpected delivery attempt %v", a.payload)
	case <-time.After(d):
	}
}

func newTestQueue(t *testing.T, tr Transport, opts ...Option) *DeliveryQueue {
	t.Helper()
	opts = append([]Option{WithRetryBackoff(0), WithLogger(testLogger())}, opts...)
	q := New(tr, opts...)
	t.Cleanup(q.Close)
	return q
}

func drain(t *testing.T, q *DeliveryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

// counter counts callback invocations.
type counter struct {
	mu sync.Mutex
	n  int
	ch chan struct{}
}

func newCounter() *counter {
	return &counter{ch: make(chan struct{}, 16)}
}

func (c *counter) fn() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *counter) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for callback")
	}
}

// recordingMetrics counts metric updates.
type recordingMetrics struct {
	mu                                    sync.Mutex
	attempts, acks, nacks, retries, fails int
	length                                int
	observed                              int
}

func (m *recordingMetrics) AddAttempt()                   { m.mu.Lock(); m.attempts++; m.mu.Unlock() }
func (m *recordingMetrics) AddAck()                       { m.mu.Lock(); m.acks++; m.mu.Unlock() }
func (m *recordingMetrics) AddNack()                      { m.mu.Lock(); m.nacks++; m.mu.Unlock() }
func (m *recordingMetrics) AddRetry()                     { m.mu.Lock(); m.retries++; m.mu.Unlock() }
func (m *recordingMetrics) AddFailed()                    { m.mu.Lock(); m.fails++; m.mu.Unlock() }
func (m *recordingMetrics) SetLength(n int)               { m.mu.Lock(); m.length = n; m.mu.Unlock() }
func (m *recordingMetrics) ObserveDelivery(time.Duration) { m.mu.Lock(); m.observed++; m.mu.Unlock() }
