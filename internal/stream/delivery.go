package stream

import "github.com/theognis1002/appmsg-relay/internal/queue"

// Delivery is one attempt handed to a peer. Ack and Nack answer the relay
// and remove the attempt from the group's pending list.
type Delivery struct {
	ID      string
	Payload queue.Payload
	Body    []byte
	Ack     func() error
	Nack    func() error
}
