package eventbus

import "time"

// Topic names an event kind.
type Topic string

// Task lifecycle topics. Scheduler topics describe registry and state
// changes; engine topics describe execution of a dispatched run.
const (
	TaskAdded      Topic = "task.added"
	TaskRemoved    Topic = "task.removed"
	TaskDispatched Topic = "task.dispatched"
	TaskEnded      Topic = "task.ended"
	TaskCompleted  Topic = "task.completed"
	TaskCancelled  Topic = "task.cancelled"
	TaskDropped    Topic = "task.dropped"

	TaskStarted  Topic = "task.started"
	TaskReturned Topic = "task.returned"
	TaskPanicked Topic = "task.panicked"
)

// TaskEvent is the payload of every task.* topic.
type TaskEvent struct {
	RunID    string        `json:"run_id,omitempty"`
	Key      string        `json:"key"`
	Kind     string        `json:"kind,omitempty"`
	Forced   bool          `json:"forced,omitempty"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"err,omitempty"`
}

// Emit publishes a task event on b. A nil bus is ignored.
func Emit(b Bus, topic Topic, ev TaskEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.Publish(Event{Topic: topic, Time: ev.At, Data: ev})
}
