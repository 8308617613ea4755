package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/theognis1002/appmsg-relay/internal/database/models"
	"github.com/theognis1002/appmsg-relay/internal/storage"
)

// ArchiveReader reads archived dead letters.
type ArchiveReader interface {
	Bucket() string
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// DeadLetterHandler serves archived dead letters.
type DeadLetterHandler struct {
	archive ArchiveReader
	store   DeliveryStore
	logger  *slog.Logger
}

// NewDeadLetterHandler creates a dead-letter handler. Without a store the
// failure date must be given with ?date=YYYY-MM-DD.
func NewDeadLetterHandler(archive ArchiveReader, store DeliveryStore, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{archive: archive, store: store, logger: logger}
}

// GetByID handles GET /v1/deadletters/:id
func (h *DeadLetterHandler) GetByID(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return BadRequest(c, "invalid message id")
	}
	if h.archive == nil {
		return NotFound(c, "dead-letter archive is not configured")
	}

	failedAt, ok, err := h.failedAt(c, id)
	if !ok {
		return err
	}

	key := storage.DeadLetterKey(id, failedAt)
	data, err := h.archive.GetObject(c.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return NotFound(c, "dead letter not archived")
	}
	if err != nil {
		h.logger.Error("failed to read dead letter", "error", err, "id", id, "key", key)
		return InternalError(c, "failed to read dead letter")
	}
	if !json.Valid(data) {
		h.logger.Error("archived dead letter is not valid JSON", "id", id, "key", key)
		return InternalError(c, "failed to read dead letter")
	}

	return Success(c, map[string]any{
		"bucket":      h.archive.Bucket(),
		"key":         key,
		"dead_letter": json.RawMessage(data),
	})
}

// failedAt resolves when message id failed. When ok is false an error
// response has been written and err is the result of writing it.
func (h *DeadLetterHandler) failedAt(c *fiber.Ctx, id string) (t time.Time, ok bool, err error) {
	if date := c.Query("date"); date != "" {
		day, perr := time.Parse(time.DateOnly, date)
		if perr != nil {
			return t, false, BadRequest(c, "date must be YYYY-MM-DD")
		}
		return day, true, nil
	}
	if h.store == nil {
		return t, false, BadRequest(c, "date is required without a delivery ledger")
	}

	rec, err := h.store.Get(c.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		return t, false, NotFound(c, "delivery not found")
	}
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "id", id)
		return t, false, InternalError(c, "failed to get delivery")
	}
	if rec.Status != models.StatusFailed {
		return t, false, NotFound(c, "delivery did not fail")
	}
	return rec.ResolvedAt, true, nil
}
