// Package worker adapts the core services to an asynchronous,
// at-least-once job queue: a go-pkgz/pool worker pool dispatches each
// Message to the in-port operation its JobType names.
package worker

import (
	"time"

	"github.com/inboundrelay/gateway/pkg/nanoid"
)

// Priority controls which pool a job is submitted to.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// JobType identifies which in-port operation a Message dispatches to.
type JobType = string

const (
	// JobRouteEmail runs the C7 routing pipeline for one persisted,
	// structured-and-parsed inbound email.
	JobRouteEmail JobType = "routing.route"

	// JobProcessDSN runs the C1 bounce/DSN analyzer for one inbound
	// email already identified as a delivery-status notification.
	JobProcessDSN JobType = "dsn.process"

	// JobCheckSpike runs the C8 sending-volume spike check for one
	// user, typically scheduled after each outbound send.
	JobCheckSpike JobType = "spike.check"

	// JobRetryWebhook operationalizes the re-delivery model described in
	// the design notes: an operator deletes the stale endpoint_delivery
	// row, then submits this job, which simply re-invokes RouteEmail.
	// Routing re-resolves the endpoint and redelivers because the row
	// that previously short-circuited delivery is gone.
	JobRetryWebhook JobType = "webhook.retry"
)

// Message is one unit of queued work.
type Message struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"createdAt"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType JobType, payload map[string]any) *Message {
	return &Message{
		ID:        nanoid.New(),
		Type:      jobType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now().UTC(),
	}
}

func NewPriorityMessage(jobType JobType, payload map[string]any, priority Priority) *Message {
	msg := NewMessage(jobType, payload)
	msg.Priority = priority
	return msg
}

func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// RouteEmailPayload is the JobRouteEmail payload.
type RouteEmailPayload struct {
	EmailID string `json:"emailId"`
}

// ProcessDSNPayload is the JobProcessDSN payload.
type ProcessDSNPayload struct {
	DSNEmailID string `json:"dsnEmailId"`
}

// CheckSpikePayload is the JobCheckSpike payload.
type CheckSpikePayload struct {
	UserID string `json:"userId"`
}

