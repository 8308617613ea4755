package queue

import (
	"context"
	"sync"
)

// Outcome is the transport's verdict on a single delivery attempt.
type Outcome uint8

const (
	// OutcomeNack means the receiver rejected the attempt.
	OutcomeNack Outcome = iota
	// OutcomeAck means the receiver accepted the attempt.
	OutcomeAck
)

func (o Outcome) String() string {
	if o == OutcomeAck {
		return "ack"
	}
	return "nack"
}

// SendFunc issues one delivery attempt and reports its outcome on the
// returned channel exactly once.
type SendFunc func(ctx context.Context, p Payload) <-chan Outcome

// Transport exposes a swappable public send entry point.
type Transport interface {
	// Entry returns the current public send entry point.
	Entry() SendFunc
	// SetEntry replaces the public send entry point.
	SetEntry(send SendFunc)
}

// Endpoint holds a transport's public send entry point. Transports embed it
// to satisfy Transport. The zero value rejects every attempt.
type Endpoint struct {
	mu   sync.RWMutex
	send SendFunc
}

// NewEndpoint returns an Endpoint whose entry point is send.
func NewEndpoint(send SendFunc) *Endpoint {
	return &Endpoint{send: send}
}

// Entry implements Transport.
func (e *Endpoint) Entry() SendFunc {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.send
}

// SetEntry implements Transport.
func (e *Endpoint) SetEntry(send SendFunc) {
	e.mu.Lock()
	e.send = send
	e.mu.Unlock()
}

// SendAppMessage calls the current entry point.
func (e *Endpoint) SendAppMessage(ctx context.Context, p Payload) <-chan Outcome {
	send := e.Entry()
	if send == nil {
		return Resolved(OutcomeNack)
	}
	return send(ctx, p)
}

// Resolved returns a closed channel that yields o once.
func Resolved(o Outcome) <-chan Outcome {
	ch := make(chan Outcome, 1)
	ch <- o
	close(ch)
	return ch
}
