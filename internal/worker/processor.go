package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
	"github.com/ItamarBenAri/car-ops-agent/internal/queue"
	"github.com/ItamarBenAri/car-ops-agent/internal/telemetry"
)

// Broker is the lease-based queue the processor consumes. *queue.RedisQueue satisfies it.
type Broker interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	Retry(ctx context.Context, d queue.Delivery, cause error) (bool, time.Duration, error)
	DeadLetter(ctx context.Context, jobID string, cause error) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	broker   Broker
	handlers map[models.JobType]queue.Handler
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, b Broker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.ScheduledBatchSize <= 0 {
		cfg.ScheduledBatchSize = 100
	}
	return &Processor{
		cfg:      cfg,
		broker:   b,
		handlers: make(map[models.JobType]queue.Handler),
		logger:   logger,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType models.JobType, handler queue.Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Handlers exposes the registered handlers so another broker can serve them.
func (p *Processor) Handlers() map[models.JobType]queue.Handler {
	out := make(map[models.JobType]queue.Handler, len(p.handlers))
	for k, v := range p.handlers {
		out[k] = v
	}
	return out
}

// Run consumes until ctx is cancelled, with WorkerConcurrency consumers and one
// maintenance loop.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	p.logger.Info("worker.started", "concurrency", p.cfg.WorkerConcurrency, "queue", p.cfg.QueueName)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("queue.consume_error", "err", err)
		}
		if worked && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.WorkerPollInterval):
		}
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx, time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Maintain promotes due retries, reclaims expired leases and samples queue depth.
func (p *Processor) Maintain(ctx context.Context, now time.Time) {
	limit := int64(p.cfg.ScheduledBatchSize)
	if n, err := p.broker.PromoteScheduled(ctx, now, limit); err != nil {
		p.logger.Warn("queue.promote_failed", "err", err)
	} else if n > 0 {
		p.logger.Debug("queue.promoted", "count", n)
	}
	if reclaimed, err := p.broker.RequeueExpired(ctx, now, limit); err != nil {
		p.logger.Warn("queue.reclaim_failed", "err", err)
	} else if len(reclaimed) > 0 {
		p.logger.Warn("queue.lease_expired", "job_ids", reclaimed)
	}
	if depth, err := p.broker.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

// RunOnce leases and handles at most one message. It reports whether a message was handled.
// Handler failures are settled through the retry policy and are not returned.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	d, err := p.broker.Dequeue(ctx)
	if err != nil || d == nil {
		return false, err
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	msg := d.Message
	label := string(msg.Type)
	log := p.logger.With("job_id", msg.JobID, "type", msg.Type, "delivery", d.Attempt)

	hctx, stopHeartbeat := context.WithCancel(ctx)
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		p.heartbeat(hctx, msg.JobID, log)
	}()
	herr := p.dispatch(ctx, msg)
	stopHeartbeat()
	<-beating

	// settle even when shutdown cancelled the handler
	sctx := context.WithoutCancel(ctx)
	if herr == nil {
		telemetry.JobsCompleted.WithLabelValues(label).Inc()
		return true, p.broker.Ack(sctx, msg.JobID)
	}

	telemetry.JobsFailed.WithLabelValues(label).Inc()
	if !apperr.Retryable(herr) {
		telemetry.JobsDeadLettered.WithLabelValues(label).Inc()
		log.Warn("queue.dead_letter", "reason", "non_retryable", "err", herr)
		return true, p.broker.DeadLetter(sctx, msg.JobID, herr)
	}
	dead, wait, err := p.broker.Retry(sctx, *d, herr)
	if err != nil {
		return true, err
	}
	if dead {
		telemetry.JobsDeadLettered.WithLabelValues(label).Inc()
		log.Warn("queue.dead_letter", "reason", "attempts_exhausted", "err", herr)
		return true, nil
	}
	telemetry.JobsRetried.WithLabelValues(label).Inc()
	log.Info("queue.retry_scheduled", "wait", wait, "err", herr)
	return true, nil
}

// heartbeat keeps the lease of a running message alive until ctx is cancelled.
func (p *Processor) heartbeat(ctx context.Context, jobID string, log *slog.Logger) {
	ticker := time.NewTicker(p.cfg.VisibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.broker.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				log.Warn("queue.lease_extend_failed", "err", err)
			}
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, msg queue.Message) error {
	handler, ok := p.handlers[msg.Type]
	if !ok {
		return apperr.Validation("no handler registered for type %q", msg.Type)
	}
	return handler(ctx, msg)
}
