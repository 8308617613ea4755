// Package queue delivers messages over an ack/nack transport that carries
// one message at a time. Messages reach the transport in the order they were
// queued; rejected attempts are retried up to a bound before the message is
// reported as failed and the next one is sent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by Drain once the queue has been closed.
var ErrClosed = errors.New("delivery queue is closed")

// DeliveryQueue serializes messages onto a Transport.
// It is safe for concurrent use.
type DeliveryQueue struct {
	transport Transport
	cfg       Config

	mu           sync.Mutex
	backlog      []*Message
	inFlight     *Message
	originalSend SendFunc
	injected     bool
	pumping      bool
	idle         chan struct{}
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an empty queue that delivers through transport.
func New(transport Transport, opts ...Option) *DeliveryQueue {
	if transport == nil {
		panic("queue: nil Transport")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &DeliveryQueue{
		transport: transport,
		cfg:       cfg,
		idle:      idle,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SendMessage queues payload for delivery. It returns false, and queues
// nothing, if payload is not a valid Payload or the queue is closed.
// onSuccess runs once the transport acks the message; onFailure runs if the
// message is abandoned after its last attempt. Either may be nil.
// The first attempt is always made on another goroutine.
func (q *DeliveryQueue) SendMessage(payload any, onSuccess, onFailure func()) bool {
	_, ok := q.Enqueue(payload, onSuccess, onFailure)
	return ok
}

// Enqueue is SendMessage that also returns the ID assigned to the message.
func (q *DeliveryQueue) Enqueue(payload any, onSuccess, onFailure func()) (uuid.UUID, bool) {
	p, ok := ValidatePayload(payload)
	if !ok {
		q.cfg.Logger.Debug("rejected invalid payload", "type", fmt.Sprintf("%T", payload))
		return uuid.Nil, false
	}
	msg := newMessage(p, onSuccess, onFailure)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uuid.Nil, false
	}
	q.backlog = append(q.backlog, msg)
	length := q.lenLocked()
	start := !q.pumping
	if start {
		q.pumping = true
		q.idle = make(chan struct{})
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.cfg.Metrics.SetLength(length)
	q.cfg.Logger.Debug("message queued", "id", msg.ID, "length", length)

	if start {
		go q.pump()
	}
	return msg.ID, true
}

// Len returns the number of accepted messages that have not yet succeeded or failed.
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lenLocked()
}

func (q *DeliveryQueue) lenLocked() int {
	n := len(q.backlog)
	if q.inFlight != nil {
		n++
	}
	return n
}

// Inject replaces the transport's entry point with one that queues through
// q. The entry point's outcome channel reports the message's final outcome.
// Calling Inject while already injected does nothing.
func (q *DeliveryQueue) Inject() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.injected {
		return
	}
	if q.originalSend == nil {
		q.originalSend = q.transport.Entry()
	}
	q.transport.SetEntry(q.queuedSend)
	q.injected = true
	q.cfg.Logger.Debug("transport entry point injected")
}

// Cleanup restores the entry point captured by Inject. It does nothing if
// the queue is not injected.
func (q *DeliveryQueue) Cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.injected {
		return
	}
	q.transport.SetEntry(q.originalSend)
	q.injected = false
	q.cfg.Logger.Debug("transport entry point restored")
}

// Injected reports whether the transport's entry point currently queues through q.
func (q *DeliveryQueue) Injected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.injected
}

func (q *DeliveryQueue) queuedSend(_ context.Context, p Payload) <-chan Outcome {
	ch := make(chan Outcome, 1)
	resolve := func(o Outcome) func() {
		return func() {
			ch <- o
			close(ch)
		}
	}
	if !q.SendMessage(p, resolve(OutcomeAck), resolve(OutcomeNack)) {
		return Resolved(OutcomeNack)
	}
	return ch
}

// Drain blocks until every accepted message has succeeded or failed and its
// callback and outcome hook have returned.
func (q *DeliveryQueue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.lenLocked() == 0 && !q.pumping {
			q.mu.Unlock()
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops delivery. An outstanding attempt is abandoned without running
// callbacks, and messages still queued stay counted by Len. Close must not be
// called from a message callback.
func (q *DeliveryQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *DeliveryQueue) pump() {
	defer q.wg.Done()

	for {
		msg, send, ok := q.next()
		if !ok {
			return
		}

		outcome, ok := q.attempt(msg, send)
		if !ok {
			q.stop()
			return
		}

		switch msg.resolve(outcome, q.cfg.MaxAttempts) {
		case StateAttempting:
			q.cfg.Metrics.AddRetry()
			attempts := msg.Attempts()
			q.cfg.Logger.Debug("message rejected, retrying", "id", msg.ID, "attempts", attempts)
			if !q.sleep(retryBackoff(q.cfg.RetryBackoff, attempts)) {
				q.stop()
				return
			}
		case StateSucceeded, StateFailed:
			q.finish(msg)
		}
	}
}

// next returns the in-flight message, promoting the backlog head when
// nothing is in flight, along with the send function for the attempt.
func (q *DeliveryQueue) next() (*Message, SendFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		q.stopLocked()
		return nil, nil, false
	}
	if q.inFlight == nil {
		if len(q.backlog) == 0 {
			q.stopLocked()
			return nil, nil, false
		}
		q.inFlight = q.backlog[0]
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
	}

	send := q.originalSend
	if send == nil {
		send = q.transport.Entry()
	}
	return q.inFlight, send, true
}

func (q *DeliveryQueue) attempt(msg *Message, send SendFunc) (Outcome, bool) {
	attempts := msg.begin()
	q.cfg.Metrics.AddAttempt()
	q.cfg.Logger.Debug("attempting delivery", "id", msg.ID, "attempt", attempts)

	var outcomes <-chan Outcome
	if send != nil {
		outcomes = send(q.ctx, msg.Payload)
	}
	if outcomes == nil {
		q.cfg.Metrics.AddNack()
		return OutcomeNack, true
	}

	select {
	case o, ok := <-outcomes:
		if !ok {
			if q.ctx.Err() != nil {
				return OutcomeNack, false
			}
			o = OutcomeNack
		}
		if o == OutcomeAck {
			q.cfg.Metrics.AddAck()
		} else {
			q.cfg.Metrics.AddNack()
		}
		return o, true
	case <-q.ctx.Done():
		return OutcomeNack, false
	}
}

func (q *DeliveryQueue) finish(msg *Message) {
	q.mu.Lock()
	q.inFlight = nil
	length := q.lenLocked()
	q.mu.Unlock()

	res := msg.result(time.Now())
	q.cfg.Metrics.SetLength(length)
	q.cfg.Metrics.ObserveDelivery(res.ResolvedAt.Sub(res.EnqueuedAt))

	logger := q.cfg.Logger.With("id", res.ID, "attempts", res.Attempts)
	if res.State == StateSucceeded {
		logger.Debug("message delivered")
	} else {
		q.cfg.Metrics.AddFailed()
		logger.Warn("message abandoned after final attempt")
	}

	q.call("callback", res, msg.takeCallback())
	if hook := q.cfg.OutcomeHook; hook != nil {
		q.call("outcome hook", res, func() { hook(res) })
	}
}

func (q *DeliveryQueue) call(what string, res Result, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			q.cfg.Logger.Error("message "+what+" panicked", "id", res.ID, "state", res.State, "panic", rec)
		}
	}()
	fn()
}

func (q *DeliveryQueue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *DeliveryQueue) stop() {
	q.mu.Lock()
	q.stopLocked()
	q.mu.Unlock()
}

func (q *DeliveryQueue) stopLocked() {
	q.pumping = false
	close(q.idle)
}
