package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

// Service is a bounded worker pool. Enqueue never blocks; work runs on
// supervised workers that restart if they die.
type Service struct {
	*runner

	mu       sync.RWMutex
	cfg      Config
	q        chan queuedJob
	stopCh   chan struct{}
	stopDone chan struct{}
	sup      *rtsup.Supervisor

	warn      *logx.Throttle
	queueFull atomic.Uint64
	discarded atomic.Uint64
}

type queuedJob struct {
	job        Job
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		runner: newRunner(log, bus, cfg.HistorySize),
		cfg:    cfg,
		warn:   logx.NewThrottle(5 * time.Second),
	}
}

// Start launches the workers. It is idempotent; a Start during Stop waits
// for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))))
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers. Running jobs finish; jobs still queued are
// discarded and reported through Job.Dropped with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		n := s.discard(queue)

		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		if n > 0 {
			s.log.Warn("queued jobs discarded on stop", logx.Int("count", n))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) discard(queue chan queuedJob) int {
	n := 0
	for {
		select {
		case qj := <-queue:
			n++
			s.discarded.Add(1)
			if qj.job.Dropped != nil {
				qj.job.Dropped(ErrStopped)
			}
		default:
			return n
		}
	}
}

// Enqueue hands a job to the pool without blocking. An empty ID gets a UUID.
func (s *Service) Enqueue(job Job) error {
	if job.Run == nil {
		return ErrNoRun
	}
	job.Name = strings.TrimSpace(job.Name)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	// The read lock spans the send so Stop cannot drain the queue between the
	// state check and the send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.q == nil {
		return ErrStopped
	}
	if s.stopDone != nil {
		return ErrStopping
	}
	select {
	case s.q <- queuedJob{job: job, enqueuedAt: time.Now()}:
		return nil
	default:
		n := s.queueFull.Add(1)
		if s.warn.Allow("queue_full") {
			s.log.Warn("task dropped: queue full",
				logx.String("task", job.Name),
				logx.Int("queue_cap", cap(s.q)),
				logx.Uint64("queue_full_total", n),
			)
		}
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.RUnlock()

	snap := Snapshot{
		Running:   running,
		Workers:   cfg.Workers,
		InFlight:  int(s.inFlight.Load()),
		Executed:  s.executed.Load(),
		Panics:    s.panics.Load(),
		QueueFull: s.queueFull.Load(),
		Discarded: s.discarded.Load(),
		History:   s.historyCopy(),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}

// Supervisor exposes the worker supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sup
}
