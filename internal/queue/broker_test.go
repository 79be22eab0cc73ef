package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Value int `json:"value"`
}

func waitForCounts(t *testing.T, b *Broker, queueName string, check func(JobCounts) bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		counts, err := b.Counts(queueName)
		if err != nil {
			return false
		}
		return check(counts)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBrokerRunsJobs(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	var processed int64
	err := b.RegisterQueue("work", WorkerConfig{Concurrency: 2}, func(ctx context.Context, job *Job) error {
		var p testPayload
		if err := job.UnmarshalPayload(&p); err != nil {
			return err
		}
		atomic.AddInt64(&processed, 1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := b.Enqueue("work", "job", testPayload{Value: i}, JobOptions{})
		require.NoError(t, err)
	}

	waitForCounts(t, b, "work", func(c JobCounts) bool { return c.Completed == 10 })
	assert.Equal(t, int64(10), atomic.LoadInt64(&processed))

	counts, err := b.Counts("work")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(0), counts.Failed)
}

func TestEnqueueBulkFailsBeforeEnqueuingAnything(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	require.NoError(t, b.RegisterQueue("work", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		return nil
	}))
	require.NoError(t, b.Pause("work"))

	specs := []JobSpec{
		{Name: "ok", Payload: testPayload{Value: 1}},
		{Name: "bad", Payload: make(chan int)}, // not marshallable
	}
	err := b.EnqueueBulk("work", specs)
	require.Error(t, err)

	counts, err := b.Counts("work")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting, "a bad payload must fail the whole bulk call")
}

func TestJobRetriesUntilSuccess(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	var attempts int64
	require.NoError(t, b.RegisterQueue("flaky", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	_, err := b.Enqueue("flaky", "job", testPayload{}, JobOptions{
		Attempts: 5,
		Backoff:  BackoffPolicy{Type: BackoffFixed, Delay: time.Millisecond},
	})
	require.NoError(t, err)

	waitForCounts(t, b, "flaky", func(c JobCounts) bool { return c.Completed == 1 })
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))

	counts, _ := b.Counts("flaky")
	assert.Equal(t, int64(0), counts.Failed)
}

func TestPermanentFailureInvokesHook(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	var mu sync.Mutex
	var failedJobs []*Job
	var failedErrs []error

	require.NoError(t, b.RegisterQueue("doomed", WorkerConfig{
		OnPermanentFailure: func(job *Job, err error) {
			mu.Lock()
			failedJobs = append(failedJobs, job)
			failedErrs = append(failedErrs, err)
			mu.Unlock()
		},
	}, func(ctx context.Context, job *Job) error {
		return errors.New("permanent")
	}))

	_, err := b.Enqueue("doomed", "job", testPayload{}, JobOptions{
		Attempts: 3,
		Backoff:  BackoffPolicy{Type: BackoffFixed, Delay: time.Millisecond},
	})
	require.NoError(t, err)

	waitForCounts(t, b, "doomed", func(c JobCounts) bool { return c.Failed == 1 })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failedJobs, 1, "hook must fire exactly once per job")
	assert.Equal(t, 3, failedJobs[0].AttemptsMade)
	assert.EqualError(t, failedErrs[0], "permanent")
}

func TestPanicInHandlerIsAFailure(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	require.NoError(t, b.RegisterQueue("panicky", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		panic("boom")
	}))

	_, err := b.Enqueue("panicky", "job", testPayload{}, JobOptions{Attempts: 1})
	require.NoError(t, err)

	waitForCounts(t, b, "panicky", func(c JobCounts) bool { return c.Failed == 1 })
}

func TestPauseAndResume(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	require.NoError(t, b.RegisterQueue("work", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		return nil
	}))
	require.NoError(t, b.Pause("work"))

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue("work", "job", testPayload{Value: i}, JobOptions{})
		require.NoError(t, err)
	}

	// Paused queues accumulate waiting jobs.
	time.Sleep(50 * time.Millisecond)
	counts, err := b.Counts("work")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Waiting)
	assert.Equal(t, int64(0), counts.Completed)

	require.NoError(t, b.Resume("work"))
	waitForCounts(t, b, "work", func(c JobCounts) bool { return c.Completed == 3 })
}

func TestClearDropsWaitingJobs(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	require.NoError(t, b.RegisterQueue("work", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		return nil
	}))
	require.NoError(t, b.Pause("work"))

	for i := 0; i < 5; i++ {
		_, err := b.Enqueue("work", "job", testPayload{Value: i}, JobOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, b.Clear("work"))
	require.NoError(t, b.Resume("work"))

	time.Sleep(50 * time.Millisecond)
	counts, err := b.Counts("work")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Completed, "cleared jobs must never run")
}

func TestClearInvalidatesPendingRetries(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	var attempts int64
	require.NoError(t, b.RegisterQueue("flaky", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("transient")
	}))

	_, err := b.Enqueue("flaky", "job", testPayload{}, JobOptions{
		Attempts: 5,
		Backoff:  BackoffPolicy{Type: BackoffFixed, Delay: 200 * time.Millisecond},
	})
	require.NoError(t, err)

	// Wait for the first attempt, then clear while the retry is pending.
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Clear("flaky"))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&attempts), "a cleared retry must not run")

	counts, _ := b.Counts("flaky")
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestClearKeepsCountsConsistentAfterStaleRetryFires(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	var attempts int64
	require.NoError(t, b.RegisterQueue("flaky", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("transient")
	}))

	_, err := b.Enqueue("flaky", "job", testPayload{}, JobOptions{
		Attempts: 5,
		Backoff:  BackoffPolicy{Type: BackoffFixed, Delay: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, b.Clear("flaky"))

	counts, err := b.Counts("flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)

	// Let the invalidated retry timer fire; it must not drive the
	// waiting count negative.
	time.Sleep(300 * time.Millisecond)
	counts, err = b.Counts("flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
}

func TestSetConcurrency(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	release := make(chan struct{})
	require.NoError(t, b.RegisterQueue("work", WorkerConfig{Concurrency: 1}, func(ctx context.Context, job *Job) error {
		<-release
		return nil
	}))

	n, err := b.Concurrency("work")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for i := 0; i < 4; i++ {
		_, err := b.Enqueue("work", "job", testPayload{Value: i}, JobOptions{})
		require.NoError(t, err)
	}

	// One worker means one active job.
	waitForCounts(t, b, "work", func(c JobCounts) bool { return c.Active == 1 })

	require.NoError(t, b.SetConcurrency("work", 4))
	waitForCounts(t, b, "work", func(c JobCounts) bool { return c.Active == 4 })

	close(release)
	waitForCounts(t, b, "work", func(c JobCounts) bool { return c.Completed == 4 })

	require.Error(t, b.SetConcurrency("work", 0))
}

func TestRegisterDuplicateQueue(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	handler := func(ctx context.Context, job *Job) error { return nil }
	require.NoError(t, b.RegisterQueue("work", WorkerConfig{}, handler))

	err := b.RegisterQueue("work", WorkerConfig{}, handler)
	assert.ErrorIs(t, err, ErrQueueExists)
}

func TestUnknownQueue(t *testing.T) {
	b := NewBroker(nil)
	defer b.Shutdown(context.Background())

	_, err := b.Enqueue("missing", "job", testPayload{}, JobOptions{})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = b.Counts("missing")
	assert.ErrorIs(t, err, ErrQueueNotFound)

	assert.ErrorIs(t, b.Pause("missing"), ErrQueueNotFound)
}

func TestEnqueueAfterShutdownIsFatal(t *testing.T) {
	b := NewBroker(nil)
	require.NoError(t, b.RegisterQueue("work", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		return nil
	}))
	require.NoError(t, b.Shutdown(context.Background()))

	_, err := b.Enqueue("work", "job", testPayload{}, JobOptions{})
	assert.ErrorIs(t, err, ErrBrokerClosed)

	// A second shutdown is a no-op.
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestShutdownDrainsInFlightJobs(t *testing.T) {
	b := NewBroker(nil)

	started := make(chan struct{})
	var finished int64
	require.NoError(t, b.RegisterQueue("slow", WorkerConfig{}, func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt64(&finished, 1)
		return nil
	}))

	_, err := b.Enqueue("slow", "job", testPayload{}, JobOptions{})
	require.NoError(t, err)
	<-started

	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, int64(1), atomic.LoadInt64(&finished))
}

func TestBackoffDelay(t *testing.T) {
	fixed, err := newJob("q", "j", nil, JobOptions{
		Attempts: 4,
		Backoff:  BackoffPolicy{Type: BackoffFixed, Delay: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	fixed.AttemptsMade = 1
	assert.Equal(t, 100*time.Millisecond, fixed.backoffDelay())
	fixed.AttemptsMade = 3
	assert.Equal(t, 100*time.Millisecond, fixed.backoffDelay())

	exp, err := newJob("q", "j", nil, JobOptions{
		Attempts: 4,
		Backoff:  BackoffPolicy{Type: BackoffExponential, Delay: 100 * time.Millisecond},
	})
	require.NoError(t, err)

	exp.AttemptsMade = 1
	assert.Equal(t, 100*time.Millisecond, exp.backoffDelay())
	exp.AttemptsMade = 2
	assert.Equal(t, 200*time.Millisecond, exp.backoffDelay())
	exp.AttemptsMade = 3
	assert.Equal(t, 400*time.Millisecond, exp.backoffDelay())
}

func TestJobOptionsNormalize(t *testing.T) {
	job, err := newJob("q", "j", nil, JobOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Options().Attempts)
	assert.Equal(t, BackoffFixed, job.Options().Backoff.Type)
}
