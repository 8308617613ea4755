package api

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/theognis1002/appmsg-relay/internal/database/models"
)

// DeliveryStore looks up recorded delivery outcomes.
type DeliveryStore interface {
	Get(ctx context.Context, id string) (*models.DeliveryRecord, error)
}

// DeliveryHandler serves the delivery ledger.
type DeliveryHandler struct {
	store  DeliveryStore
	logger *slog.Logger
}

// NewDeliveryHandler creates a delivery handler. With a nil store every
// lookup is answered with 404.
func NewDeliveryHandler(store DeliveryStore, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{store: store, logger: logger}
}

// GetByID handles GET /v1/deliveries/:id
func (h *DeliveryHandler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return BadRequest(c, "invalid delivery id")
	}
	if h.store == nil {
		return NotFound(c, "delivery ledger is not configured")
	}

	rec, err := h.store.Get(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return NotFound(c, "delivery not found")
	}
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "id", id)
		return InternalError(c, "failed to get delivery")
	}
	return Success(c, rec)
}
