package worker

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"

	"github.com/inboundrelay/gateway/pkg/logger"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers        int
	QueueSize         int
	BatchSize         int
	WorkerChanSize    int
	JobTimeout        time.Duration
	JobTimeoutByType  map[JobType]time.Duration
	MaxRetries        int
	MaxRetriesByType  map[JobType]int
	RetryBackoffBase  time.Duration
	BackoffBaseByType map[JobType]time.Duration
	RatePerSecond     int
}

func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:       16,
		QueueSize:        1000,
		BatchSize:        10,
		WorkerChanSize:   100,
		JobTimeout:       30 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: 1 * time.Second,
		RatePerSecond:    200,
		JobTimeoutByType: map[JobType]time.Duration{
			JobRouteEmail:   30 * time.Second,
			JobProcessDSN:   30 * time.Second,
			JobCheckSpike:   15 * time.Second,
			JobRetryWebhook: 45 * time.Second,
		},
	}
}

// Pool runs Messages through a handler using a go-pkgz/pool worker
// group, with a separate small pool for priority jobs, exponential
// backoff retry, and a dead-letter queue for jobs that exhaust retry.
type Pool struct {
	handler *Handler
	config  *PoolConfig

	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics     *PoolMetrics
	rateLimiter *RateLimiter

	priorityJobs chan *Message
	dlq          chan *Message
	dlqWg        sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// PoolMetrics holds running pool counters.
type PoolMetrics struct {
	JobsProcessed int64
	JobsFailed    int64
	JobsDropped   int64
	JobsRetried   int64
	AvgProcessMS  int64
	QueueSize     int32
	PriorityQueue int32
}

type messageWorker struct {
	pool *Pool
}

func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	return w.pool.processJob(ctx, msg)
}

func NewPool(handler *Handler, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		handler:      handler,
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      &PoolMetrics{},
		rateLimiter:  NewRateLimiter(config.RatePerSecond, time.Second),
		priorityJobs: make(chan *Message, config.QueueSize/10+1),
		dlq:          make(chan *Message, 100),
	}
}

func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	worker := &messageWorker{pool: p}
	p.pool = pool.New[*Message](p.config.MaxWorkers, worker).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	priorityWorker := &messageWorker{pool: p}
	p.priorityPool = pool.New[*Message](p.config.MaxWorkers/4+1, priorityWorker).
		WithBatchSize(p.config.BatchSize/2 + 1).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		return err
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		return err
	}

	p.started = true
	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()
	go p.priorityQueueConsumer()

	logger.Info("worker: pool started with %d workers, queue size %d", p.config.MaxWorkers, p.config.QueueSize)
	return nil
}

func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	if p.pool != nil {
		if err := p.pool.Close(ctx); err != nil {
			logger.Warn("worker: error closing main pool: %v", err)
		}
	}
	if p.priorityPool != nil {
		if err := p.priorityPool.Close(ctx); err != nil {
			logger.Warn("worker: error closing priority pool: %v", err)
		}
	}

	p.cancel()
	close(p.dlq)
	close(p.priorityJobs)
	p.dlqWg.Wait()

	logger.Info("worker: pool stopped, processed=%d failed=%d", p.metrics.JobsProcessed, p.metrics.JobsFailed)
}

// Submit enqueues msg on the main or priority pool depending on
// msg.Priority, subject to rate limiting.
func (p *Pool) Submit(msg *Message) bool {
	if msg.IsPriority() {
		return p.submitPriority(msg)
	}

	p.mu.Lock()
	started, pl := p.started, p.pool
	p.mu.Unlock()
	if !started || pl == nil {
		return false
	}
	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		logger.Warn("worker: job %s (%s) dropped by rate limiter", msg.ID, msg.Type)
		return false
	}

	pl.Submit(msg)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

func (p *Pool) submitPriority(msg *Message) bool {
	select {
	case p.priorityJobs <- msg:
		atomic.AddInt32(&p.metrics.PriorityQueue, 1)
		return true
	default:
		return p.Submit(&Message{
			ID: msg.ID, Type: msg.Type, Payload: msg.Payload,
			Priority: PriorityNormal, CreatedAt: msg.CreatedAt, Retries: msg.Retries,
		})
	}
}

func (p *Pool) priorityQueueConsumer() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.priorityJobs:
			if !ok {
				return
			}
			atomic.AddInt32(&p.metrics.PriorityQueue, -1)
			p.mu.Lock()
			started, pl := p.started, p.priorityPool
			p.mu.Unlock()
			if started && pl != nil {
				pl.Submit(msg)
			}
		}
	}
}

func (p *Pool) jobTimeout(jobType JobType) time.Duration {
	if t, ok := p.config.JobTimeoutByType[jobType]; ok {
		return t
	}
	return p.config.JobTimeout
}

func (p *Pool) maxRetries(jobType JobType) int {
	if n, ok := p.config.MaxRetriesByType[jobType]; ok {
		return n
	}
	return p.config.MaxRetries
}

func (p *Pool) backoffBase(jobType JobType) time.Duration {
	if d, ok := p.config.BackoffBaseByType[jobType]; ok {
		return d
	}
	return p.config.RetryBackoffBase
}

func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout(msg.Type))
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.handler.Process(jobCtx, msg) }()

	var err error
	select {
	case err = <-errCh:
	case <-jobCtx.Done():
		err = jobCtx.Err()
	}

	p.updateAvgProcessTime(time.Since(start).Milliseconds())

	if err != nil {
		p.onJobFailed(msg, err)
		return err
	}

	atomic.AddInt64(&p.metrics.JobsProcessed, 1)
	return nil
}

func (p *Pool) onJobFailed(msg *Message, err error) {
	logger.Error("worker: job %s (%s) failed on attempt %d: %v", msg.ID, msg.Type, msg.Retries+1, err)

	if msg.Retries < p.maxRetries(msg.Type) {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)

		base := time.Duration(1<<msg.Retries) * p.backoffBase(msg.Type)
		jitter := time.Duration(rand.Intn(500)) * time.Millisecond
		time.AfterFunc(base+jitter, func() { p.Submit(msg) })
		return
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	select {
	case p.dlq <- msg:
	default:
		logger.Error("worker: dead letter queue full, job %s (%s) lost", msg.ID, msg.Type)
	}
}

func (p *Pool) updateAvgProcessTime(elapsedMS int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessMS)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessMS, elapsedMS)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessMS, (current*9+elapsedMS)/10)
}

// dlqProcessor logs permanently failed jobs. A future iteration may
// persist these to a table for manual replay instead of only logging.
func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()
	for {
		select {
		case <-p.ctx.Done():
			for msg := range p.dlq {
				logger.Error("worker: dlq drained on shutdown, job %s (%s) lost", msg.ID, msg.Type)
			}
			return
		case msg, ok := <-p.dlq:
			if !ok {
				return
			}
			logger.Error("worker: job %s (%s) permanently failed after %d retries", msg.ID, msg.Type, msg.Retries)
		}
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			logger.Info("worker: metrics processed=%d failed=%d dropped=%d retried=%d avg_ms=%d queue=%d priority_queue=%d",
				atomic.LoadInt64(&p.metrics.JobsProcessed), atomic.LoadInt64(&p.metrics.JobsFailed),
				atomic.LoadInt64(&p.metrics.JobsDropped), atomic.LoadInt64(&p.metrics.JobsRetried),
				atomic.LoadInt64(&p.metrics.AvgProcessMS), atomic.LoadInt32(&p.metrics.QueueSize),
				atomic.LoadInt32(&p.metrics.PriorityQueue))
		}
	}
}

func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed: atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:    atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:   atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:   atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessMS:  atomic.LoadInt64(&p.metrics.AvgProcessMS),
		QueueSize:     atomic.LoadInt32(&p.metrics.QueueSize),
		PriorityQueue: atomic.LoadInt32(&p.metrics.PriorityQueue),
	}
}

func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	pl := p.pool
	p.mu.Unlock()
	if pl != nil {
		return pl.Wait(ctx)
	}
	return nil
}

// RateLimiter is a lock-free token bucket using atomic CAS, avoiding a
// mutex on the hot Submit path.
type RateLimiter struct {
	tokens       int64
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64
}

func NewRateLimiter(ratePerSecond int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerSecond)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	intervalNs := atomic.LoadInt64(&r.intervalNs)
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	if elapsed := now - lastRefill; elapsed >= intervalNs {
		intervals := elapsed / intervalNs
		refillRate := atomic.LoadInt64(&r.refillRate)
		maxTokens := atomic.LoadInt64(&r.maxTokens)
		tokensToAdd := intervals * refillRate

		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				newTokens := current + tokensToAdd
				if newTokens > maxTokens {
					newTokens = maxTokens
				}
				if atomic.CompareAndSwapInt64(&r.tokens, current, newTokens) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}
