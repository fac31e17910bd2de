package bootstrap

import (
	"context"
	"time"

	"github.com/inboundrelay/gateway/adapter/in/worker"
	"github.com/inboundrelay/gateway/config"
	"github.com/inboundrelay/gateway/pkg/logger"
)

// Worker runs the background job pool as a standalone process.
type Worker struct {
	deps   *Dependencies
	pool   *worker.Pool
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{deps: deps, pool: deps.Pool, ctx: ctx, cancel: cancel}, cleanup, nil
}

// Start launches the pool and blocks until Stop cancels the worker's
// context.
func (w *Worker) Start() {
	if err := w.pool.Start(); err != nil {
		logger.Fatal("Failed to start worker pool: %v", err)
	}
	logger.Info("worker pool started")
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.pool.Stop(ctx)
}

func (w *Worker) Submit(msg *worker.Message) bool {
	return w.pool.Submit(msg)
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.Metrics()
}

func (w *Worker) Dependencies() *Dependencies {
	return w.deps
}
