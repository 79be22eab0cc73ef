// Package queue implements the in-process job broker backing scan
// orchestration: named queues with per-queue concurrency limits, bulk
// enqueue, retry with backoff, and count introspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	// ErrBrokerClosed is returned when enqueuing after shutdown. Callers
	// treat this as fatal; the broker never retries an enqueue itself.
	ErrBrokerClosed = errors.New("job broker is closed")

	// ErrQueueNotFound is returned for operations on unknown queues.
	ErrQueueNotFound = errors.New("queue not registered")

	// ErrQueueExists is returned when registering a duplicate queue.
	ErrQueueExists = errors.New("queue already registered")
)

// Handler executes one job. A returned error triggers the job's retry
// policy; exhausting retries makes the failure permanent.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures a queue's worker pool.
type WorkerConfig struct {
	// Concurrency is the number of jobs the queue runs in parallel.
	Concurrency int

	// OnPermanentFailure is invoked once per job after all retry
	// attempts are exhausted. Optional.
	OnPermanentFailure func(job *Job, err error)
}

// JobSpec describes one job for bulk enqueue.
type JobSpec struct {
	Name    string
	Payload interface{}
	Options JobOptions
}

// Broker owns all registered queues and their worker pools.
type Broker struct {
	mu     sync.RWMutex
	queues map[string]*workQueue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger hclog.Logger
}

// NewBroker creates an empty broker. Queues are added with RegisterQueue.
func NewBroker(logger hclog.Logger) *Broker {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		queues: make(map[string]*workQueue),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// RegisterQueue creates a queue and starts its worker pool.
func (b *Broker) RegisterQueue(name string, cfg WorkerConfig, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("queue %s: handler is required", name)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if _, exists := b.queues[name]; exists {
		return fmt.Errorf("%w: %s", ErrQueueExists, name)
	}

	wq := newWorkQueue(name, cfg, handler, b.ctx, &b.wg, b.logger.Named(name))
	b.queues[name] = wq
	wq.setConcurrency(cfg.Concurrency)

	b.logger.Debug("queue registered", "queue", name, "concurrency", cfg.Concurrency)
	return nil
}

// Enqueue adds one job to a queue. A closed broker is a fatal error for
// the caller; it is surfaced, never swallowed.
func (b *Broker) Enqueue(queueName, jobName string, payload interface{}, opts JobOptions) (*Job, error) {
	wq, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}

	job, err := newJob(queueName, jobName, payload, opts)
	if err != nil {
		return nil, err
	}
	wq.push(job)
	return job, nil
}

// EnqueueBulk adds many jobs to a queue in one call. Jobs are marshalled
// up front so a bad payload fails the whole call before anything is
// enqueued.
func (b *Broker) EnqueueBulk(queueName string, specs []JobSpec) error {
	wq, err := b.queue(queueName)
	if err != nil {
		return err
	}

	jobs := make([]*Job, 0, len(specs))
	for _, spec := range specs {
		job, err := newJob(queueName, spec.Name, spec.Payload, spec.Options)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
	}
	wq.pushAll(jobs)
	return nil
}

// Counts returns the queue's waiting/active/completed/failed counters.
func (b *Broker) Counts(queueName string) (JobCounts, error) {
	wq, err := b.queue(queueName)
	if err != nil {
		return JobCounts{}, err
	}
	return wq.counts(), nil
}

// Pause stops workers from picking up new jobs; in-flight jobs finish.
func (b *Broker) Pause(queueName string) error {
	wq, err := b.queue(queueName)
	if err != nil {
		return err
	}
	wq.pause()
	return nil
}

// Resume restarts a paused queue.
func (b *Broker) Resume(queueName string) error {
	wq, err := b.queue(queueName)
	if err != nil {
		return err
	}
	wq.resume()
	return nil
}

// Clear drops all waiting jobs, including ones awaiting a retry.
func (b *Broker) Clear(queueName string) error {
	wq, err := b.queue(queueName)
	if err != nil {
		return err
	}
	wq.clear()
	return nil
}

// SetConcurrency adjusts a queue's worker pool size at runtime.
func (b *Broker) SetConcurrency(queueName string, n int) error {
	if n < 1 {
		return fmt.Errorf("queue %s: concurrency must be at least 1", queueName)
	}
	wq, err := b.queue(queueName)
	if err != nil {
		return err
	}
	wq.setConcurrency(n)
	return nil
}

// Concurrency reports a queue's current worker target.
func (b *Broker) Concurrency(queueName string) (int, error) {
	wq, err := b.queue(queueName)
	if err != nil {
		return 0, err
	}
	return wq.concurrency(), nil
}

// QueueNames returns all registered queue names.
func (b *Broker) QueueNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Shutdown stops all queues and waits for in-flight jobs up to the
// context deadline. Enqueues after Shutdown fail with ErrBrokerClosed.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	queues := make([]*workQueue, 0, len(b.queues))
	for _, wq := range b.queues {
		queues = append(queues, wq)
	}
	b.mu.Unlock()

	b.cancel()
	for _, wq := range queues {
		wq.stop()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Debug("job broker stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("job broker shutdown timed out")
		return ctx.Err()
	}
}

func (b *Broker) queue(name string) (*workQueue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	wq, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return wq, nil
}

func newJob(queueName, jobName string, payload interface{}, opts JobOptions) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for job %s: %w", jobName, err)
	}
	opts.normalize()
	return &Job{
		ID:      generateJobID(),
		Name:    jobName,
		Queue:   queueName,
		Payload: data,
		opts:    opts,
	}, nil
}
