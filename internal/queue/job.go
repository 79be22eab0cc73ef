package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BackoffType selects how retry delays grow between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// BackoffPolicy describes the delay between retry attempts.
type BackoffPolicy struct {
	Type  BackoffType
	Delay time.Duration
}

// JobOptions controls retry behaviour for one job.
type JobOptions struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Backoff  BackoffPolicy
}

func (o *JobOptions) normalize() {
	if o.Attempts < 1 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffFixed
	}
}

// Job is one unit of work. The payload is an opaque JSON document owned
// by the queue's handler.
type Job struct {
	ID           string
	Name         string
	Queue        string
	Payload      json.RawMessage
	AttemptsMade int

	opts JobOptions
	gen  uint64
}

// Options returns the job's retry options.
func (j *Job) Options() JobOptions {
	return j.opts
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// backoffDelay returns how long to wait before the next attempt.
// AttemptsMade must already count the attempt that just failed.
func (j *Job) backoffDelay() time.Duration {
	d := j.opts.Backoff.Delay
	if d <= 0 {
		return 0
	}
	if j.opts.Backoff.Type == BackoffExponential {
		for i := 1; i < j.AttemptsMade; i++ {
			d *= 2
		}
	}
	return d
}

// JobCounts is a snapshot of a queue's counters. Waiting includes jobs
// delayed for a retry.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func generateJobID() string {
	return uuid.NewString()
}
