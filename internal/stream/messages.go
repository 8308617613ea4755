package stream

import (
	"time"

	"github.com/theognis1002/appmsg-relay/internal/queue"
)

// Reply results carried by ReplyMessage.
const (
	ResultAck  = "ack"
	ResultNack = "nack"
)

// AttemptMessage is one delivery attempt written to the attempt stream.
type AttemptMessage struct {
	ID      string        `json:"id"`
	Payload queue.Payload `json:"payload"`
}

// ReplyMessage is a peer's answer to an AttemptMessage.
type ReplyMessage struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// Outcome maps the reply result onto a queue outcome. Anything but an ack is a nack.
func (r ReplyMessage) Outcome() queue.Outcome {
	if r.Result == ResultAck {
		return queue.OutcomeAck
	}
	return queue.OutcomeNack
}

// DeadLetter records a message abandoned after its final attempt.
type DeadLetter struct {
	ID         string        `json:"id"`
	Payload    queue.Payload `json:"payload"`
	Attempts   int           `json:"attempts"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	FailedAt   time.Time     `json:"failed_at"`
}

// NewDeadLetter builds a DeadLetter from a failed queue result.
func NewDeadLetter(res queue.Result) DeadLetter {
	return DeadLetter{
		ID:         res.ID.String(),
		Payload:    res.Payload,
		Attempts:   res.Attempts,
		EnqueuedAt: res.EnqueuedAt,
		FailedAt:   res.ResolvedAt,
	}
}
