package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

// asynqEnvelope travels as the task payload so the retry delay can be derived from the
// policy the producer chose.
type asynqEnvelope struct {
	Message Message     `json:"message"`
	Policy  RetryPolicy `json:"policy"`
}

// AsynqBroker delivers messages through hibiken/asynq instead of the lease queue.
type AsynqBroker struct {
	redisOpt    asynq.RedisClientOpt
	client      *asynq.Client
	queueName   string
	concurrency int
	logger      *slog.Logger
}

// NewAsynqBroker builds a broker from config.
func NewAsynqBroker(cfg config.Config, logger *slog.Logger) *AsynqBroker {
	if logger == nil {
		logger = slog.Default()
	}
	opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	concurrency := cfg.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	name := cfg.QueueName
	if name == "" {
		name = "document-processing"
	}
	return &AsynqBroker{
		redisOpt:    opt,
		client:      asynq.NewClient(opt),
		queueName:   name,
		concurrency: concurrency,
		logger:      logger,
	}
}

func (b *AsynqBroker) Close() error {
	return b.client.Close()
}

// Enqueue submits the message as a task keyed by job id.
func (b *AsynqBroker) Enqueue(ctx context.Context, msg Message, policy RetryPolicy) error {
	task, opts, err := newAsynqTask(msg, policy, b.queueName)
	if err != nil {
		return err
	}
	_, err = b.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// The job is already queued.
		return nil
	}
	return err
}

func newAsynqTask(msg Message, policy RetryPolicy, queueName string) (*asynq.Task, []asynq.Option, error) {
	if msg.JobID == "" {
		return nil, nil, errors.New("enqueue: job id is required")
	}
	payload, err := json.Marshal(asynqEnvelope{Message: msg, Policy: policy})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal task payload: %w", err)
	}
	retries := policy.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	opts := []asynq.Option{
		asynq.TaskID(msg.JobID),
		asynq.MaxRetry(retries),
		asynq.Queue(queueName),
	}
	return asynq.NewTask(string(msg.Type), payload), opts, nil
}

// Serve runs an asynq server dispatching to handlers until ctx is cancelled.
func (b *AsynqBroker) Serve(ctx context.Context, handlers map[models.JobType]Handler) error {
	srv := asynq.NewServer(b.redisOpt, asynq.Config{
		Concurrency:    b.concurrency,
		Queues:         map[string]int{b.queueName: 1},
		RetryDelayFunc: asynqRetryDelay,
	})
	mux := asynq.NewServeMux()
	for jobType, h := range handlers {
		mux.HandleFunc(string(jobType), b.wrap(h))
	}
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	b.logger.Info("queue.asynq_started", "queue", b.queueName, "concurrency", b.concurrency)
	<-ctx.Done()
	srv.Shutdown()
	return ctx.Err()
}

func (b *AsynqBroker) wrap(h Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, t *asynq.Task) error {
		var env asynqEnvelope
		if err := json.Unmarshal(t.Payload(), &env); err != nil {
			return fmt.Errorf("decode task payload: %v: %w", err, asynq.SkipRetry)
		}
		err := h(ctx, env.Message)
		if err == nil {
			return nil
		}
		if !apperr.Retryable(err) {
			b.logger.Warn("queue.dead_letter", "job_id", env.Message.JobID, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// asynqRetryDelay maps asynq's retry counter onto the policy carried in the payload.
// n is the number of retries already performed, so the first retry sees n == 0.
func asynqRetryDelay(n int, _ error, t *asynq.Task) time.Duration {
	policy := DefaultRetryPolicy()
	var env asynqEnvelope
	if err := json.Unmarshal(t.Payload(), &env); err == nil && env.Policy.Attempts > 0 {
		policy = env.Policy
	}
	return policy.Delay(n + 1)
}
