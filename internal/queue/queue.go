package queue

import (
	"context"
	"time"

	"github.com/ItamarBenAri/car-ops-agent/internal/config"
	"github.com/ItamarBenAri/car-ops-agent/internal/models"
)

// Message is the payload delivered to a handler for one job.
type Message struct {
	JobID      string         `json:"job_id"`
	DocumentID *string        `json:"document_id,omitempty"`
	Type       models.JobType `json:"type"`
	Input      map[string]any `json:"input,omitempty"`
}

const BackoffExponential = "exponential"
const BackoffFixed = "fixed"

// Backoff describes the wait between deliveries.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
	Max   time.Duration `json:"max,omitempty"`
}

// RetryPolicy bounds redelivery of a message that failed.
type RetryPolicy struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

// DefaultRetryPolicy gives three attempts with exponential backoff from two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: models.DefaultMaxAttempts,
		Backoff:  Backoff{Type: BackoffExponential, Delay: 2 * time.Second},
	}
}

// PolicyFromConfig builds the retry policy the services enqueue with.
func PolicyFromConfig(cfg config.Config) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.JobMaxAttempts > 0 {
		p.Attempts = cfg.JobMaxAttempts
	}
	if cfg.BackoffInitial > 0 {
		p.Backoff.Delay = cfg.BackoffInitial
	}
	p.Backoff.Max = cfg.BackoffMax
	return p
}

// Delay returns the wait before the next delivery after the given number of failed attempts.
func (p RetryPolicy) Delay(failures int) time.Duration {
	base := p.Backoff.Delay
	if base <= 0 {
		base = 2 * time.Second
	}
	if failures <= 1 || p.Backoff.Type == BackoffFixed {
		return base
	}
	wait := base
	for i := 1; i < failures; i++ {
		wait *= 2
		if p.Backoff.Max > 0 && wait >= p.Backoff.Max {
			return p.Backoff.Max
		}
	}
	return wait
}

// Exhausted reports whether a message delivered `attempt` times may not be retried.
func (p RetryPolicy) Exhausted(attempt int) bool {
	max := p.Attempts
	if max <= 0 {
		max = 1
	}
	return attempt >= max
}

// Enqueuer hands a message to a broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg Message, policy RetryPolicy) error
}

// Handler processes one delivered message. A returned error triggers the retry policy.
type Handler func(ctx context.Context, msg Message) error
