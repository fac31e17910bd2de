package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/inboundrelay/gateway/core/port/in"
	"github.com/inboundrelay/gateway/pkg/apperr"
)

// Handler dispatches a Message to the in-port operation its Type
// names.
type Handler struct {
	routing in.RoutingService
	dsn     in.DSNAnalyzer
	spike   in.SpikeDetector
}

func NewHandler(routing in.RoutingService, dsn in.DSNAnalyzer, spike in.SpikeDetector) *Handler {
	return &Handler{routing: routing, dsn: dsn, spike: spike}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case JobRouteEmail, JobRetryWebhook:
		payload, err := parsePayload[RouteEmailPayload](msg)
		if err != nil {
			return err
		}
		return h.routing.RouteEmail(ctx, payload.EmailID)

	case JobProcessDSN:
		payload, err := parsePayload[ProcessDSNPayload](msg)
		if err != nil {
			return err
		}
		return h.dsn.AnalyzeDSN(ctx, payload.DSNEmailID)

	case JobCheckSpike:
		payload, err := parsePayload[CheckSpikePayload](msg)
		if err != nil {
			return err
		}
		return h.spike.CheckSendingSpike(ctx, payload.UserID)

	default:
		return apperr.Unprocessable(fmt.Sprintf("unknown job type %q", msg.Type), nil)
	}
}

func parsePayload[T any](msg *Message) (*T, error) {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal job payload for %s: %w", msg.Type, err)
	}
	return &payload, nil
}
