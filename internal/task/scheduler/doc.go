// Package scheduler keeps a registry of named tasks and polls it on a fixed
// tick, dispatching every task whose schedule is due.
//
// The scheduler only decides when a task starts. Work runs on a Dispatcher
// (normally the task engine) and must call Task.End when finished; End puts a
// recurring task back to Stopped and retires a one-shot task.
package scheduler
