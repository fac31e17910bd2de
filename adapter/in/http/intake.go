package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/inboundrelay/gateway/adapter/in/worker"
	"github.com/inboundrelay/gateway/pkg/apperr"
	"github.com/inboundrelay/gateway/pkg/response"
)

// JobSubmitter is the subset of *worker.Pool the HTTP layer needs to
// hand off work to the background queue.
type JobSubmitter interface {
	Submit(msg *worker.Message) bool
}

// IntakeHandler exposes the boundary the upstream mail receiver calls
// once a structured email has been parsed and persisted: it only
// triggers routing, it never parses or stores message content itself.
type IntakeHandler struct {
	jobs JobSubmitter
}

func NewIntakeHandler(jobs JobSubmitter) *IntakeHandler {
	return &IntakeHandler{jobs: jobs}
}

func (h *IntakeHandler) Register(app fiber.Router) {
	app.Post("/webhooks/inbound/:emailId", h.routeEmail)
}

type routeAcceptedResponse struct {
	Accepted bool   `json:"accepted"`
	EmailID  string `json:"emailId"`
}

// routeEmail submits a routing.route job for the emailId named in the
// path. The caller (the upstream mail receiver) is expected to have
// already persisted the structured_emails row; this handler never
// touches message content.
func (h *IntakeHandler) routeEmail(c *fiber.Ctx) error {
	emailID := c.Params("emailId")
	if emailID == "" {
		return apperr.BadRequest("emailId is required")
	}

	msg := worker.NewMessage(worker.JobRouteEmail, map[string]any{"emailId": emailID})
	if !h.jobs.Submit(msg) {
		return apperr.Transient("submit routing job", nil)
	}

	c.Status(fiber.StatusAccepted)
	return response.OK(c, routeAcceptedResponse{Accepted: true, EmailID: emailID})
}
