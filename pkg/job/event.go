package job

import (
	"context"
	"time"
)

// EventType distinguishes job notifications.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Event is one ordered notification about a job.
type Event struct {
	Type     EventType `json:"type"`
	JobID    string    `json:"job_id"`
	VMName   string    `json:"vm_name"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Emitter stamps events for one job and sends them on the orchestrator's
// event channel. A nil Emitter or nil channel drops events.
type Emitter struct {
	ctx    context.Context
	ch     chan<- Event
	jobID  string
	vmName string
	now    func() time.Time
}

// NewEmitter binds an emitter to a job. Sends give up when ctx is done.
func NewEmitter(ctx context.Context, ch chan<- Event, jobID, vmName string) *Emitter {
	return &Emitter{ctx: ctx, ch: ch, jobID: jobID, vmName: vmName, now: time.Now}
}

// Status announces a status transition.
func (e *Emitter) Status(s Status, message string) {
	e.send(Event{Type: EventStatus, Status: s, Message: message})
}

// Progress announces a progress value with a human readable message.
func (e *Emitter) Progress(percent int, message string) {
	e.send(Event{Type: EventProgress, Progress: percent, Message: message})
}

// Send forwards a fully built event, filling in the job identity.
func (e *Emitter) Send(ev Event) {
	e.send(ev)
}

func (e *Emitter) send(ev Event) {
	if e == nil || e.ch == nil {
		return
	}
	ev.JobID = e.jobID
	ev.VMName = e.vmName
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}
