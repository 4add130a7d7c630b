// Package storage journals task run events.
//
// The journal is an audit trail: schedules are always rebuilt from config and
// nothing here is read back into the scheduler.
package storage
