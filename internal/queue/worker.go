package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// workQueue is one named queue with its worker pool. Each job is handed
// to at most one worker; workers block on the condition variable while
// the queue is empty or paused.
type workQueue struct {
	name    string
	handler Handler
	cfg     WorkerConfig

	mu      sync.Mutex
	cond    *sync.Cond
	waiting []*Job
	delayed int
	paused  bool
	stopped bool
	gen     uint64

	workersTarget  int
	workersRunning int

	active    int64
	completed int64
	failed    int64

	ctx    context.Context
	wg     *sync.WaitGroup
	logger hclog.Logger
}

func newWorkQueue(name string, cfg WorkerConfig, handler Handler, ctx context.Context, wg *sync.WaitGroup, logger hclog.Logger) *workQueue {
	wq := &workQueue{
		name:    name,
		handler: handler,
		cfg:     cfg,
		ctx:     ctx,
		wg:      wg,
		logger:  logger,
	}
	wq.cond = sync.NewCond(&wq.mu)
	return wq
}

func (wq *workQueue) push(job *Job) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.stopped {
		return
	}
	job.gen = wq.gen
	wq.waiting = append(wq.waiting, job)
	wq.cond.Signal()
}

func (wq *workQueue) pushAll(jobs []*Job) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.stopped {
		return
	}
	for _, job := range jobs {
		job.gen = wq.gen
		wq.waiting = append(wq.waiting, job)
	}
	wq.cond.Broadcast()
}

func (wq *workQueue) counts() JobCounts {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return JobCounts{
		Waiting:   int64(len(wq.waiting) + wq.delayed),
		Active:    wq.active,
		Completed: wq.completed,
		Failed:    wq.failed,
	}
}

func (wq *workQueue) pause() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.paused = true
}

func (wq *workQueue) resume() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.paused = false
	wq.cond.Broadcast()
}

// clear drops waiting jobs and invalidates pending retries by bumping
// the queue generation; a retry scheduled before the clear re-enqueues
// into a stale generation and is discarded.
func (wq *workQueue) clear() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.waiting = nil
	wq.delayed = 0
	wq.gen++
}

func (wq *workQueue) concurrency() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.workersTarget
}

func (wq *workQueue) setConcurrency(n int) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.stopped {
		return
	}
	wq.workersTarget = n
	for wq.workersRunning < wq.workersTarget {
		wq.workersRunning++
		wq.wg.Add(1)
		go wq.worker()
	}
	// Surplus workers notice the lowered target and exit on their own.
	wq.cond.Broadcast()
}

func (wq *workQueue) stop() {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	wq.stopped = true
	wq.cond.Broadcast()
}

// worker runs jobs until stopped or scaled away.
func (wq *workQueue) worker() {
	defer wq.wg.Done()

	for {
		wq.mu.Lock()
		for !wq.stopped && wq.workersRunning <= wq.workersTarget && (wq.paused || len(wq.waiting) == 0) {
			wq.cond.Wait()
		}
		if wq.stopped || wq.workersRunning > wq.workersTarget {
			wq.workersRunning--
			wq.mu.Unlock()
			return
		}

		job := wq.waiting[0]
		wq.waiting = wq.waiting[1:]
		wq.active++
		wq.mu.Unlock()

		err := wq.runJob(job)

		wq.mu.Lock()
		wq.active--
		if err == nil {
			wq.completed++
			wq.mu.Unlock()
			continue
		}

		job.AttemptsMade++
		if job.AttemptsMade < job.opts.Attempts && !wq.stopped {
			wq.delayed++
			wq.mu.Unlock()
			wq.scheduleRetry(job, err)
			continue
		}
		wq.failed++
		wq.mu.Unlock()

		wq.logger.Error("job permanently failed",
			"job_id", job.ID, "job_name", job.Name, "attempts", job.AttemptsMade, "error", err)
		if wq.cfg.OnPermanentFailure != nil {
			wq.cfg.OnPermanentFailure(job, err)
		}
	}
}

func (wq *workQueue) runJob(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job handler: %v", r)
		}
	}()
	return wq.handler(wq.ctx, job)
}

func (wq *workQueue) scheduleRetry(job *Job, cause error) {
	delay := job.backoffDelay()
	wq.logger.Warn("job failed, scheduling retry",
		"job_id", job.ID, "job_name", job.Name, "attempt", job.AttemptsMade,
		"max_attempts", job.opts.Attempts, "delay", delay, "error", cause)

	requeue := func() {
		wq.mu.Lock()
		defer wq.mu.Unlock()
		// A clear bumped the generation and already zeroed the delayed
		// counter; a stale timer must not touch it.
		if job.gen != wq.gen {
			return
		}
		wq.delayed--
		if wq.stopped {
			return
		}
		wq.waiting = append(wq.waiting, job)
		wq.cond.Signal()
	}

	if delay <= 0 {
		requeue()
		return
	}
	time.AfterFunc(delay, requeue)
}
