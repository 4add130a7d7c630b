package app

import (
	"context"
	"time"

	"tasksched/internal/eventbus"
	"tasksched/internal/storage"
	logx "tasksched/pkg/logx"
)

// journal copies task events from the bus into the run store until stop is
// closed, then drains what is already buffered.
type journal struct {
	store  storage.Store
	log    logx.Logger
	warn   *logx.Throttle
	events <-chan eventbus.Event
	unsub  func()

	stop chan struct{}
	done chan struct{}
}

func newJournal(bus eventbus.Bus, store storage.Store, log logx.Logger) *journal {
	events, unsub := bus.Subscribe(512)
	return &journal{
		store:  store,
		log:    log.With(logx.String("comp", "journal")),
		warn:   logx.NewThrottle(10 * time.Second),
		events: events,
		unsub:  unsub,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (j *journal) run(context.Context) {
	defer close(j.done)
	defer j.unsub()
	for {
		select {
		case e, ok := <-j.events:
			if !ok {
				return
			}
			j.write(e)
		case <-j.stop:
			for {
				select {
				case e, ok := <-j.events:
					if !ok {
						return
					}
					j.write(e)
				default:
					return
				}
			}
		}
	}
}

func (j *journal) write(e eventbus.Event) {
	te, ok := e.Data.(eventbus.TaskEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := j.store.AppendRun(ctx, storage.RunRecord{
		RunID:    te.RunID,
		Key:      te.Key,
		Kind:     te.Kind,
		Event:    string(e.Topic),
		Forced:   te.Forced,
		At:       te.At,
		Duration: te.Duration,
		Err:      te.Err,
	})
	if err != nil && j.warn.Allow("append") {
		j.log.Warn("journal append failed", logx.String("event", string(e.Topic)), logx.Err(err))
	}
}

// close stops the journal and waits for the drain, bounded by ctx.
func (j *journal) close(ctx context.Context) error {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
