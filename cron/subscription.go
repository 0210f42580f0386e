package cron

import (
	"sync"
	"time"
)

// ScheduleStatus reports where a scheduled job is in its lifecycle.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

func (s ScheduleStatus) terminal() bool {
	switch s {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	}
	return false
}

// Handle controls one scheduled job.
type Handle interface {
	ID() int64
	Cancel()
	Status() ScheduleStatus
	// Err is the error of the last run, nil after a clean run.
	Err() error
	// Runs counts finished executions.
	Runs() int
	// Next is the next activation, zero when nothing is pending.
	Next() time.Time
	Done() <-chan struct{}
}

type handle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	at        time.Time
	done      chan struct{}

	mu     sync.RWMutex
	status ScheduleStatus
	err    error
	runs   int
	once   sync.Once
}

func (h *handle) ID() int64 { return h.id }

func (h *handle) Cancel() {
	h.once.Do(func() {
		if h.scheduler != nil {
			h.scheduler.remove(h)
		}
		h.setTerminal(ScheduleStatusCanceled, nil)
	})
}

func (h *handle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Runs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.runs
}

func (h *handle) Next() time.Time {
	if h.Status().terminal() {
		return time.Time{}
	}
	if h.entryID == 0 {
		return h.at
	}
	return h.scheduler.next(h.entryID)
}

func (h *handle) Done() <-chan struct{} { return h.done }

// begin moves the handle to running unless it already finished.
func (h *handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	return true
}

// finish records one run. Recurring jobs go back to idle, even after a failure.
func (h *handle) finish(err error, recurring bool) {
	h.mu.Lock()
	h.runs++
	h.err = err
	if h.status.terminal() {
		h.mu.Unlock()
		return
	}
	switch {
	case recurring:
		h.status = ScheduleStatusIdle
		h.mu.Unlock()
	case err != nil:
		h.mu.Unlock()
		h.setTerminal(ScheduleStatusFailed, err)
	default:
		h.mu.Unlock()
		h.setTerminal(ScheduleStatusCompleted, nil)
	}
}

func (h *handle) setTerminal(status ScheduleStatus, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.terminal() {
		h.status = status
		if err != nil {
			h.err = err
		}
	}
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
