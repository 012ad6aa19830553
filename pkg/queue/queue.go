// Package queue runs export jobs strictly one at a time in FIFO order and
// keeps the bounded history of finished jobs.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/export"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

const (
	DefaultHistoryLimit = 10
	eventBuffer         = 256
	subscriberBuffer    = 256
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("orchestrator is closed")

// Runner executes one export job.
type Runner interface {
	Run(ctx context.Context, j job.Job, em *job.Emitter) (*export.Result, error)
}

// HistoryStore persists finished jobs.
type HistoryStore interface {
	Record(ctx context.Context, j job.Job) error
	Recent(ctx context.Context, limit int) ([]job.Job, error)
}

// Sink receives every event in order, on the dispatcher goroutine.
type Sink interface {
	HandleEvent(ev job.Event)
}

// Config for the orchestrator.
type Config struct {
	DownloadDir  string
	HistoryLimit int
}

// Snapshot is a consistent copy of the orchestrator state.
type Snapshot struct {
	Active  *job.Job  `json:"current_download"`
	Queue   []job.Job `json:"queue"`
	// History holds the last finished jobs, newest first, matching the
	// order of HistoryStore.Recent.
	History []job.Job `json:"history"`
}

// Orchestrator owns the job queue, the active job and the history.
type Orchestrator struct {
	runner Runner
	store  HistoryStore
	sinks  []Sink
	cfg    Config
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queue   []*job.Job
	active  *job.Job
	history []job.Job // newest first
	running bool
	idle    chan struct{}
	closed  bool
	subs    map[int]chan job.Event
	nextSub int

	events       chan job.Event
	barriers     chan chan struct{}
	stop         chan struct{}
	dispatchDone chan struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists finished jobs and seeds the history from it.
func WithStore(s HistoryStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithSinks registers event sinks.
func WithSinks(s ...Sink) Option {
	return func(o *Orchestrator) { o.sinks = append(o.sinks, s...) }
}

// New creates an orchestrator and starts its event dispatcher.
func New(runner Runner, cfg Config, opts ...Option) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		runner:       runner,
		cfg:          cfg,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
		subs:         map[int]chan job.Event{},
		events:       make(chan job.Event, eventBuffer),
		barriers:     make(chan chan struct{}),
		stop:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store != nil {
		recent, err := o.store.Recent(ctx, cfg.HistoryLimit)
		if err != nil {
			slog.Warn("queue_history_seed_failed", "error", err)
		} else {
			if len(recent) > cfg.HistoryLimit {
				recent = recent[:cfg.HistoryLimit]
			}
			o.history = recent
			slog.Info("queue_history_seeded", "jobs", len(recent))
		}
	}

	go o.dispatch()
	return o
}

// Enqueue appends one pending job per VM name and starts processing when no
// job is active.
func (o *Orchestrator) Enqueue(vmNames []string, opts job.Options) ([]job.Job, error) {
	if len(vmNames) == 0 {
		return nil, errors.New("no VM names given")
	}
	for _, name := range vmNames {
		if strings.TrimSpace(name) == "" {
			return nil, errors.New("empty VM name")
		}
	}

	now := o.now()
	outDir := archive.DateDir(o.cfg.DownloadDir, now)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create download directory")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	added := make([]job.Job, 0, len(vmNames))
	for _, name := range vmNames {
		j := job.New(name, outDir, opts, now)
		o.queue = append(o.queue, j)
		added = append(added, j.Clone())
	}
	size := len(o.queue)
	o.mu.Unlock()

	slog.Info("queue_enqueued", "vms", vmNames, "queue_size", size)
	for _, j := range added {
		o.emit(job.Event{Type: job.EventQueued, JobID: j.ID, VMName: j.VMName, Status: job.StatusPending,
			Message: fmt.Sprintf("queued, position %d", size-len(added)+1)})
	}

	o.kick()
	return added, nil
}

// kick starts the drain goroutine unless one is running.
func (o *Orchestrator) kick() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.claimLocked() {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drain(o.ctx)
	}()
}

func (o *Orchestrator) claimLocked() bool {
	if o.running || o.closed || len(o.queue) == 0 {
		return false
	}
	o.running = true
	o.idle = make(chan struct{})
	return true
}

// ProcessNext runs queued jobs one after another until the queue is empty.
// It returns immediately when the queue is already being drained.
func (o *Orchestrator) ProcessNext(ctx context.Context) {
	o.mu.Lock()
	claimed := o.claimLocked()
	o.mu.Unlock()
	if claimed {
		o.drain(ctx)
	}
}

func (o *Orchestrator) drain(ctx context.Context) {
	for {
		j := o.next(ctx)
		if j == nil {
			return
		}
		o.process(ctx, j)
	}
}

// next pops the queue head and makes it active. When there is nothing to run
// it releases the running flag under the same lock.
func (o *Orchestrator) next(ctx context.Context) *job.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 || ctx.Err() != nil {
		o.running = false
		close(o.idle)
		return nil
	}

	j := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]

	started := o.now()
	j.StartedAt = &started
	j.Status = job.StatusDownloading
	if j.PowerOffBeforeExport {
		j.Status = job.StatusPoweringOff
	}
	o.active = j
	c := j.Clone()
	return &c
}

func (o *Orchestrator) process(ctx context.Context, j *job.Job) {
	slog.Info("queue_job_start", "job_id", j.ID, "vm", j.VMName, "poweroff_before", j.PowerOffBeforeExport)

	em := job.NewEmitter(o.ctx, o.events, j.ID, j.VMName)
	res, err := o.runner.Run(ctx, *j, em)

	o.mu.Lock()
	done := o.active
	o.active = nil
	finished := o.now()
	done.FinishedAt = &finished
	if err != nil {
		done.Status = job.StatusFailed
		done.Error = err.Error()
		done.ErrorKind = string(errors.KindOf(err))
		done.Message = "export failed"
	} else {
		done.Status = job.StatusCompleted
		done.Progress = 100
		done.OutputPath = res.OutputPath
		done.PublishedTo = res.PublishedTo
		done.Message = "export completed"
	}
	rec := done.Clone()
	o.pushHistoryLocked(rec)
	o.mu.Unlock()

	if err != nil {
		slog.Error("queue_job_failed", "job_id", rec.ID, "vm", rec.VMName, "kind", rec.ErrorKind, "error", err)
	} else {
		slog.Info("queue_job_complete", "job_id", rec.ID, "vm", rec.VMName, "path", rec.OutputPath,
			"duration", finished.Sub(*rec.StartedAt).Round(time.Second))
	}

	o.record(rec)
	o.emit(finishedEvent(rec))
}

// Cancel discards every pending job and flags the active one. The active
// export is not interrupted. It returns the number of discarded jobs.
func (o *Orchestrator) Cancel() int {
	o.mu.Lock()
	discarded := o.queue
	o.queue = nil

	now := o.now()
	cancelled := make([]job.Job, 0, len(discarded))
	for _, j := range discarded {
		j.Status = job.StatusCancelled
		j.Message = "cancelled before start"
		j.FinishedAt = &now
		c := j.Clone()
		o.pushHistoryLocked(c)
		cancelled = append(cancelled, c)
	}

	if o.active != nil {
		o.active.CancelRequested = true
		o.active.Status = job.StatusCancelled
		o.active.Message = "cancel requested, the current export will finish"
	}
	o.mu.Unlock()

	slog.Info("queue_cancelled", "discarded", len(cancelled))
	for _, j := range cancelled {
		o.record(j)
		o.emit(finishedEvent(j))
	}
	return len(cancelled)
}

// Status returns a consistent snapshot of the active job, the queue and the
// recent history.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		Queue:   make([]job.Job, 0, len(o.queue)),
		History: append([]job.Job(nil), o.history...),
	}
	if o.active != nil {
		a := o.active.Clone()
		s.Active = &a
	}
	for _, j := range o.queue {
		s.Queue = append(s.Queue, j.Clone())
	}
	return s
}

// Subscribe returns the ordered event stream. A subscriber that falls behind
// loses events rather than stalling the queue. The returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan job.Event, func()) {
	ch := make(chan job.Event, subscriberBuffer)

	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	if o.subs == nil {
		close(ch)
	} else {
		o.subs[id] = ch
	}
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if c, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(c)
			}
		})
	}
}

// WaitIdle blocks until the queue is drained and every event emitted so far
// has been dispatched.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	for {
		o.mu.Lock()
		running, idle := o.running, o.idle
		o.mu.Unlock()
		if !running {
			break
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	barrier := make(chan struct{})
	select {
	case o.barriers <- barrier:
	case <-o.dispatchDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, interrupts the running export and waits for the
// drain loop and the dispatcher to stop.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(o.stop)
		<-o.dispatchDone
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue_closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) pushHistoryLocked(j job.Job) {
	o.history = append([]job.Job{j}, o.history...)
	if len(o.history) > o.cfg.HistoryLimit {
		o.history = o.history[:o.cfg.HistoryLimit]
	}
}

func (o *Orchestrator) record(j job.Job) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), 5*time.Second)
	defer cancel()
	if err := o.store.Record(ctx, j); err != nil {
		slog.Warn("queue_history_record_failed", "job_id", j.ID, "error", err)
	}
}

func (o *Orchestrator) emit(ev job.Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}
	select {
	case o.events <- ev:
	case <-o.ctx.Done():
	}
}

func finishedEvent(j job.Job) job.Event {
	return job.Event{
		Type:     job.EventFinished,
		JobID:    j.ID,
		VMName:   j.VMName,
		Status:   j.Status,
		Progress: j.Progress,
		Message:  j.Message,
		Error:    j.Error,
	}
}

// dispatch is the single consumer of the event channel.
func (o *Orchestrator) dispatch() {
	defer close(o.dispatchDone)
	for {
		select {
		case ev := <-o.events:
			o.handle(ev)
		case b := <-o.barriers:
			o.flush()
			close(b)
		case <-o.stop:
			o.flush()
			o.mu.Lock()
			for id, ch := range o.subs {
				close(ch)
				delete(o.subs, id)
			}
			o.subs = nil
			o.mu.Unlock()
			return
		}
	}
}

// flush handles everything already buffered.
func (o *Orchestrator) flush() {
	for {
		select {
		case ev := <-o.events:
			o.handle(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) handle(ev job.Event) {
	o.mu.Lock()
	if a := o.active; a != nil && a.ID == ev.JobID {
		switch ev.Type {
		case job.EventStatus:
			if !a.CancelRequested {
				a.Status = ev.Status
			}
			a.Message = ev.Message
		case job.EventProgress:
			a.SetProgress(ev.Progress)
			a.Message = ev.Message
		}
	}
	for _, ch := range o.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	o.mu.Unlock()

	for _, s := range o.sinks {
		s.HandleEvent(ev)
	}
}
