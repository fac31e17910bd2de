package worker

import (
	"context"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// Dispatcher adapts *Pool to out.JobDispatcher, letting core services
// hand a DSN analysis or a spike check to the same bounded pool that
// the HTTP intake handler submits routing jobs to, rather than running
// either inline on the routing request path.
type Dispatcher struct {
	pool *Pool
}

func NewDispatcher(pool *Pool) out.JobDispatcher {
	return &Dispatcher{pool: pool}
}

func (d *Dispatcher) DispatchDSNCheck(ctx context.Context, dsnEmailID string) {
	msg := NewMessage(JobProcessDSN, map[string]any{"dsnEmailId": dsnEmailID})
	if !d.pool.Submit(msg) {
		logger.Warn("dispatcher: failed to submit dsn.process job for email %s", dsnEmailID)
	}
}

func (d *Dispatcher) DispatchSpikeCheck(ctx context.Context, userID string) {
	msg := NewMessage(JobCheckSpike, map[string]any{"userId": userID})
	if !d.pool.Submit(msg) {
		logger.Warn("dispatcher: failed to submit spike.check job for user %s", userID)
	}
}
