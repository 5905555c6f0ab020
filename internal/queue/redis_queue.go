package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ItamarBenAri/car-ops-agent/internal/config"
)

// RedisQueue coordinates ready, in-flight, and scheduled messages in Redis.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
}

// Delivery is one leased message together with its delivery count.
type Delivery struct {
	Message Message
	Policy  RetryPolicy
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueFromClient(client, cfg)
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "document-processing"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = name + ":dlq"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		scheduledKey:  name + ":scheduled",
		metaPrefix:    name + ":msg:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

// Enqueue stores the message and its policy, then pushes the job id onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, policy RetryPolicy) error {
	if msg.JobID == "" {
		return errors.New("enqueue: job id is required")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	rawPolicy, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(msg.JobID), "payload", payload, "policy", rawPolicy, "deliveries", 0)
	pipe.RPush(ctx, q.readyKey, msg.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue pops the next ready message and leases it for the visibility timeout.
// It returns nil when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(), q.metaPrefix).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	jobID, _ := arr[0].(string)
	deliveries, _ := arr[1].(int64)

	fields, err := q.client.HMGet(ctx, q.metaKey(jobID), "payload", "policy").Result()
	if err != nil {
		return nil, err
	}
	rawPayload, _ := fields[0].(string)
	if rawPayload == "" {
		_ = q.Ack(ctx, jobID)
		return nil, fmt.Errorf("message %s has no payload", jobID)
	}
	d := &Delivery{Attempt: int(deliveries), Policy: DefaultRetryPolicy()}
	if err := json.Unmarshal([]byte(rawPayload), &d.Message); err != nil {
		_ = q.Ack(ctx, jobID)
		return nil, fmt.Errorf("decode message %s: %w", jobID, err)
	}
	if rawPolicy, _ := fields[1].(string); rawPolicy != "" {
		if err := json.Unmarshal([]byte(rawPolicy), &d.Policy); err != nil {
			err = fmt.Errorf("decode policy %s: %w", jobID, err)
			_ = q.DeadLetter(ctx, jobID, err)
			return nil, err
		}
	}
	return d, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a message from in-flight tracking and drops its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry schedules the next delivery of a failed message, or dead-letters it when the
// policy is exhausted. It reports whether the message was dead-lettered.
func (q *RedisQueue) Retry(ctx context.Context, d Delivery, cause error) (bool, time.Duration, error) {
	if d.Policy.Exhausted(d.Attempt) {
		return true, 0, q.DeadLetter(ctx, d.Message.JobID, cause)
	}
	wait := d.Policy.Delay(d.Attempt)
	runAt := time.Now().Add(wait)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.Message.JobID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: d.Message.JobID})
	if cause != nil {
		pipe.HSet(ctx, q.metaKey(d.Message.JobID), "last_error", cause.Error())
	}
	_, err := pipe.Exec(ctx)
	return false, wait, err
}

// DeadLetter moves a message to the dead-letter list for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string, cause error) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	pipe.RPush(ctx, q.dlqKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages onto the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := moveDueScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases that timed out and makes the messages ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return moveDueScript.Run(ctx, q.client, []string{q.inflightKey, q.readyKey}, now.UnixMilli(), limit).StringSlice()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the number of messages waiting for a consumer.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// ScheduledDepth returns the number of messages waiting for their backoff to elapse.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
local n = redis.call('HINCRBY', ARGV[2] .. job, 'deliveries', 1)
return {job, n}
`)

// moveDueScript moves members of the ZSET KEYS[1] scored at or below ARGV[1] onto the list KEYS[2].
var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
