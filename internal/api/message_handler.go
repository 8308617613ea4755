package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/theognis1002/appmsg-relay/internal/queue"
)

// Relay is the delivery queue driven by the API.
type Relay interface {
	Enqueue(payload any, onSuccess, onFailure func()) (uuid.UUID, bool)
	Len() int
	Inject()
	Cleanup()
	Injected() bool
}

// DeadLetterCounter reports the size of the dead-letter stream.
type DeadLetterCounter interface {
	Len(ctx context.Context) (int64, error)
}

// DeliveryCounter reports recorded deliveries per status.
type DeliveryCounter interface {
	Counts(ctx context.Context) (map[string]int64, error)
}

const statusTimeout = 2 * time.Second

// MessageHandler handles message ingest and queue administration.
type MessageHandler struct {
	relay       Relay
	deadLetters DeadLetterCounter
	deliveries  DeliveryCounter
	logger      *slog.Logger
}

// NewMessageHandler creates a message handler. deadLetters and deliveries
// may be nil.
func NewMessageHandler(relay Relay, deadLetters DeadLetterCounter, deliveries DeliveryCounter, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		relay:       relay,
		deadLetters: deadLetters,
		deliveries:  deliveries,
		logger:      logger,
	}
}

// Send handles POST /v1/messages.
// The body must be a flat JSON object; it is queued and 202 is returned
// before any delivery attempt is made.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	var payload map[string]any
	if err := c.BodyParser(&payload); err != nil {
		h.logger.Debug("failed to parse message body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	id, ok := h.relay.Enqueue(payload, nil, nil)
	if !ok {
		if _, valid := queue.ValidatePayload(payload); !valid {
			return ValidationError(c, "message must be an object of numbers, strings, booleans or arrays")
		}
		return Unavailable(c, "relay is shutting down")
	}

	h.logger.Debug("message accepted", "id", id)
	return Accepted(c, map[string]any{
		"status": "accepted",
		"id":     id.String(),
		"length": h.relay.Len(),
	})
}

// QueueStatus handles GET /v1/queue.
func (h *MessageHandler) QueueStatus(c *fiber.Ctx) error {
	status := map[string]any{
		"length":   h.relay.Len(),
		"injected": h.relay.Injected(),
	}
	ctx, cancel := context.WithTimeout(c.Context(), statusTimeout)
	defer cancel()

	if h.deadLetters != nil {
		n, err := h.deadLetters.Len(ctx)
		if err != nil {
			h.logger.Error("failed to read dead-letter length", "error", err)
			return InternalError(c, "failed to read dead-letter length")
		}
		status["dead_letters"] = n
	}
	if h.deliveries != nil {
		counts, err := h.deliveries.Counts(ctx)
		if err != nil {
			h.logger.Error("failed to count deliveries", "error", err)
			return InternalError(c, "failed to count deliveries")
		}
		status["deliveries"] = counts
	}
	return Success(c, status)
}

// Inject handles PUT /v1/injection.
func (h *MessageHandler) Inject(c *fiber.Ctx) error {
	h.relay.Inject()
	h.logger.Info("entry point injected")
	return Success(c, map[string]bool{"injected": h.relay.Injected()})
}

// Cleanup handles DELETE /v1/injection.
func (h *MessageHandler) Cleanup(c *fiber.Ctx) error {
	h.relay.Cleanup()
	h.logger.Info("entry point restored")
	return Success(c, map[string]bool{"injected": h.relay.Injected()})
}
