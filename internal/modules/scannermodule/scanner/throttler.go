package scanner

import (
	"sync"
	"time"

	"github.com/crescendo-media/crescendo/internal/queue"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// ThrottlerConfig bounds the adaptive worker pool for one queue.
type ThrottlerConfig struct {
	Queue      string
	MinWorkers int
	MaxWorkers int
	// Interval between adjustments; defaults to 5s.
	Interval time.Duration
}

// LoadThrottler periodically adjusts a queue's concurrency between the
// configured bounds based on host CPU and memory pressure and queue
// backlog. Scaling is one worker per tick in either direction.
type LoadThrottler struct {
	broker *queue.Broker
	cfg    ThrottlerConfig
	logger hclog.Logger

	// sample is swappable in tests.
	sample func() (cpuPercent, memPercent float64)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewLoadThrottler creates a throttler for one queue.
func NewLoadThrottler(broker *queue.Broker, cfg ThrottlerConfig, logger hclog.Logger) *LoadThrottler {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	t := &LoadThrottler{
		broker: broker,
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	t.sample = t.hostLoad
	return t
}

// Start begins the adjustment loop.
func (t *LoadThrottler) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop halts the adjustment loop.
func (t *LoadThrottler) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *LoadThrottler) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.adjust()
		case <-t.stopCh:
			return
		}
	}
}

func (t *LoadThrottler) adjust() {
	current, err := t.broker.Concurrency(t.cfg.Queue)
	if err != nil {
		return
	}
	counts, err := t.broker.Counts(t.cfg.Queue)
	if err != nil {
		return
	}

	cpuPercent, memPercent := t.sample()
	target := current

	// Scale up when work is backing up and the host has headroom.
	if counts.Waiting > int64(current*2) && cpuPercent < 70 && memPercent < 80 && current < t.cfg.MaxWorkers {
		target = current + 1
	}

	// Scale down when the queue is drained or the host is under pressure.
	if (counts.Waiting == 0 || cpuPercent > 85 || memPercent > 90) && current > t.cfg.MinWorkers {
		target = current - 1
	}

	if target == current {
		return
	}
	if err := t.broker.SetConcurrency(t.cfg.Queue, target); err != nil {
		t.logger.Warn("failed to adjust queue concurrency", "queue", t.cfg.Queue, "error", err)
		return
	}
	t.logger.Debug("queue concurrency adjusted", "queue", t.cfg.Queue,
		"from", current, "to", target, "waiting", counts.Waiting,
		"cpu_percent", cpuPercent, "mem_percent", memPercent)
}

// hostLoad samples CPU and memory usage. Sampling failures report zero
// load so the throttler only ever errs toward scaling up within bounds.
func (t *LoadThrottler) hostLoad() (cpuPercent, memPercent float64) {
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}
	return cpuPercent, memPercent
}
