package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tasksched/internal/eventbus"
	rtsup "tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

// Spawner runs every job on its own supervised goroutine. It has no queue
// and no concurrency bound; it never rejects a job.
type Spawner struct {
	*runner
	sup *rtsup.Supervisor
}

func NewSpawner(log logx.Logger, bus eventbus.Bus) *Spawner {
	return &Spawner{
		runner: newRunner(log, bus, 0),
		sup:    rtsup.New(context.Background(), rtsup.WithLogger(log)),
	}
}

func (s *Spawner) Enqueue(job Job) error {
	if job.Run == nil {
		return ErrNoRun
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	at := time.Now()
	s.sup.Go0("job."+job.Name, func(context.Context) { s.exec(job, at) })
	return nil
}

// Wait blocks until every spawned job returned or ctx is done.
func (s *Spawner) Wait(ctx context.Context) error { return s.sup.Wait(ctx) }

func (s *Spawner) Snapshot() Snapshot {
	return Snapshot{
		Running:  true,
		InFlight: int(s.inFlight.Load()),
		Executed: s.executed.Load(),
		Panics:   s.panics.Load(),
		History:  s.historyCopy(),
	}
}
