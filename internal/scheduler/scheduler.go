package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nkkko/notifyd/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrSchedulerClosed is returned by Schedule after Shutdown
var ErrSchedulerClosed = errors.New("scheduler closed")

// Task is a unit of deferred work
type Task func(ctx context.Context) error

// Config contains scheduler configuration
type Config struct {
	// Number of worker goroutines
	Workers int

	// Capacity of the pending task queue
	QueueSize int
}

// DefaultConfig returns a default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Workers:   8,
		QueueSize: 1024,
	}
}

type job struct {
	ctx  context.Context
	task Task
}

// Scheduler runs tasks on a fixed pool of workers fed by a bounded queue
type Scheduler struct {
	config Config
	queue  chan job
	group  errgroup.Group

	// senders counts Schedule calls that may still send on queue; queue is
	// closed only once it drops to zero after closing is closed
	senders sync.WaitGroup
	closing chan struct{}
	stopped chan struct{}
	stopErr error
	closed  bool
	mu      sync.Mutex

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a scheduler and starts its workers
func New(config Config) *Scheduler {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	s := &Scheduler{
		config:  config,
		queue:   make(chan job, config.QueueSize),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  log.With().Str("component", "scheduler").Logger(),
		metrics: metrics.GetMetrics(),
	}

	for i := 0; i < config.Workers; i++ {
		s.group.Go(s.work)
	}

	s.logger.Debug().
		Int("workers", config.Workers).
		Int("queue_size", config.QueueSize).
		Msg("Scheduler started")

	return s
}

// Schedule enqueues task and returns without waiting for it to run. ctx
// bounds the wait for queue room; the task itself runs with a context that
// keeps ctx's values but not its cancellation. A Schedule waiting for room
// when Shutdown starts returns ErrSchedulerClosed.
func (s *Scheduler) Schedule(ctx context.Context, task func(context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.senders.Add(1)
	s.mu.Unlock()
	defer s.senders.Done()

	j := job{ctx: context.WithoutCancel(ctx), task: task}
	select {
	case s.queue <- j:
		s.metrics.SchedulerQueueDepth.Inc()
		return nil
	case <-s.closing:
		return ErrSchedulerClosed
	case <-ctx.Done():
		return fmt.Errorf("waiting for queue room: %w", ctx.Err())
	}
}

// work drains the queue until it is closed
func (s *Scheduler) work() error {
	for j := range s.queue {
		s.metrics.SchedulerQueueDepth.Dec()
		s.run(j)
	}
	return nil
}

// run executes one job, isolating panics from the worker
func (s *Scheduler) run(j job) {
	start := time.Now()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
		}
		s.metrics.SchedulerTasksTotal.WithLabelValues(result).Inc()
		s.metrics.SchedulerTaskDuration.Observe(time.Since(start).Seconds())
	}()

	if err := j.task(j.ctx); err != nil {
		result = "error"
		s.logger.Debug().Err(err).Msg("Task failed")
	}
}

// Pending returns the number of queued tasks not yet picked up
func (s *Scheduler) Pending() int {
	return len(s.queue)
}

// Shutdown stops accepting tasks, runs what is queued and waits for the
// workers, or for ctx to end
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.logger.Info().Int("pending", len(s.queue)).Msg("Shutting down scheduler")
		close(s.closing)
		go func() {
			s.senders.Wait()
			close(s.queue)
			s.stopErr = s.group.Wait()
			close(s.stopped)
		}()
	}
	s.mu.Unlock()

	select {
	case <-s.stopped:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
