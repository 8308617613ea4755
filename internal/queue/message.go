package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the delivery state of a queued message.
type State uint8

const (
	// StateIdle means the message has not been attempted yet.
	StateIdle State = iota
	// StateAttempting means an attempt is outstanding or about to be retried.
	StateAttempting
	// StateSucceeded means the transport acked the message.
	StateSucceeded
	// StateFailed means the message was abandoned after exhausting its attempts.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Message is a payload accepted by a DeliveryQueue.
type Message struct {
	ID         uuid.UUID
	Payload    Payload
	EnqueuedAt time.Time

	onSuccess func()
	onFailure func()

	mu       sync.Mutex
	state    State
	attempts int
}

func newMessage(p Payload, onSuccess, onFailure func()) *Message {
	return &Message{
		ID:         uuid.New(),
		Payload:    p,
		EnqueuedAt: time.Now(),
		onSuccess:  onSuccess,
		onFailure:  onFailure,
	}
}

// State returns the current delivery state.
func (m *Message) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of delivery attempts made so far.
func (m *Message) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// begin moves the message into StateAttempting and counts the attempt.
func (m *Message) begin() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return m.attempts
	}
	m.state = StateAttempting
	m.attempts++
	return m.attempts
}

// resolve applies the outcome of the outstanding attempt.
func (m *Message) resolve(o Outcome, maxAttempts int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAttempting {
		return m.state
	}
	switch {
	case o == OutcomeAck:
		m.state = StateSucceeded
	case m.attempts >= maxAttempts:
		m.state = StateFailed
	}
	return m.state
}

// takeCallback returns the callback for the terminal state and forgets both,
// so it can only ever be taken once.
func (m *Message) takeCallback() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var fn func()
	switch m.state {
	case StateSucceeded:
		fn = m.onSuccess
	case StateFailed:
		fn = m.onFailure
	default:
		return nil
	}
	m.onSuccess, m.onFailure = nil, nil
	return fn
}

func (m *Message) result(resolvedAt time.Time) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Result{
		ID:         m.ID,
		Payload:    m.Payload,
		State:      m.state,
		Attempts:   m.attempts,
		EnqueuedAt: m.EnqueuedAt,
		ResolvedAt: resolvedAt,
	}
}

// Result describes a message that reached a terminal state.
type Result struct {
	ID         uuid.UUID
	Payload    Payload
	State      State
	Attempts   int
	EnqueuedAt time.Time
	ResolvedAt time.Time
}

// OutcomeHook observes every message that reaches a terminal state.
type OutcomeHook func(Result)
