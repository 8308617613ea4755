package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/theognis1002/appmsg-relay/internal/queue"
)

// EntryPoint is the transport's public send entry point.
type EntryPoint interface {
	SendAppMessage(ctx context.Context, p queue.Payload) <-chan queue.Outcome
}

// AppMessageHandler sends messages through the transport's entry point, so
// they are queued while the entry point is injected and sent directly
// otherwise.
type AppMessageHandler struct {
	entry   EntryPoint
	relay   Relay
	timeout time.Duration
	logger  *slog.Logger
}

// NewAppMessageHandler creates an entry point handler. timeout bounds how
// long a request with ?wait=true waits for the outcome.
func NewAppMessageHandler(entry EntryPoint, relay Relay, timeout time.Duration, logger *slog.Logger) *AppMessageHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AppMessageHandler{entry: entry, relay: relay, timeout: timeout, logger: logger}
}

// Send handles POST /v1/appmessage.
// Without ?wait=true it returns 202 once the message is handed to the entry
// point; the outcome is only logged.
func (h *AppMessageHandler) Send(c *fiber.Ctx) error {
	var body map[string]any
	if err := c.BodyParser(&body); err != nil {
		h.logger.Debug("failed to parse message body", "error", err)
		return BadRequest(c, "invalid request body")
	}
	payload, ok := queue.ValidatePayload(body)
	if !ok {
		return ValidationError(c, "message must be an object of numbers, strings, booleans or arrays")
	}

	route := "direct"
	if h.relay.Injected() {
		route = "queue"
	}

	outcomes := h.entry.SendAppMessage(context.Background(), payload)
	if outcomes == nil {
		outcomes = queue.Resolved(queue.OutcomeNack)
	}

	if !c.QueryBool("wait") {
		go h.logOutcome(route, outcomes)
		return Accepted(c, map[string]any{"status": "accepted", "route": route})
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case o, ok := <-outcomes:
		if !ok {
			o = queue.OutcomeNack
		}
		return Success(c, map[string]any{"route": route, "outcome": o.String()})
	case <-timer.C:
		go h.logOutcome(route, outcomes)
		return GatewayTimeout(c, "no outcome before timeout")
	}
}

func (h *AppMessageHandler) logOutcome(route string, outcomes <-chan queue.Outcome) {
	o, ok := <-outcomes
	if !ok {
		o = queue.OutcomeNack
	}
	h.logger.Debug("app message resolved", "route", route, "outcome", o)
}
