package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/apperr"
	"github.com/inboundrelay/gateway/pkg/response"
)

// AdminHandler is a thin, read-only surface over the persistence
// adapters an operator uses to find the row to delete when triggering
// a webhook.retry (the re-delivery flow requires deleting the stale
// endpoint_delivery row before resubmitting the job). No auth, no
// writes.
type AdminHandler struct {
	deliveries out.DeliveryRepository
	threads    out.ThreadRepository
	events     out.DeliveryEventRepository
}

func NewAdminHandler(deliveries out.DeliveryRepository, threads out.ThreadRepository, events out.DeliveryEventRepository) *AdminHandler {
	return &AdminHandler{deliveries: deliveries, threads: threads, events: events}
}

func (h *AdminHandler) Register(app fiber.Router) {
	admin := app.Group("/v1")
	admin.Get("/deliveries/:emailId", h.listDeliveries)
	admin.Get("/threads/:id", h.getThread)
	admin.Get("/delivery-events", h.listDeliveryEvents)
}

func (h *AdminHandler) listDeliveries(c *fiber.Ctx) error {
	emailID := c.Params("emailId")
	if emailID == "" {
		return apperr.BadRequest("emailId is required")
	}
	deliveries, err := h.deliveries.ListByEmail(c.Context(), emailID)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"deliveries": deliveries})
}

func (h *AdminHandler) getThread(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return apperr.BadRequest("id is required")
	}
	thread, err := h.threads.GetByID(c.Context(), id)
	if err != nil {
		return err
	}
	return response.OK(c, thread)
}

func (h *AdminHandler) listDeliveryEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	events, err := h.events.ListRecent(c.Context(), limit)
	if err != nil {
		return err
	}
	return response.OK(c, fiber.Map{"deliveryEvents": events})
}
