// Package fsm runs the export pipeline as a durable superfly/fsm state
// machine: power_off, lease, download, package and complete, ending in failed
// when a stage aborts.
package fsm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/superfly/fsm"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/export"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

const action = "vm-export"

// settleTimeout bounds how long Run waits for a cancelled machine to reach
// its end state.
const settleTimeout = 45 * time.Second

// Runner executes export jobs through the FSM manager. The lease session and
// the event emitter cannot be persisted, so each transition finds the live
// run by job ID.
type Runner struct {
	pipeline *export.Pipeline
	manager  *fsm.Manager
	start    fsm.Start[ExportRequest, ExportResponse]

	mu   sync.Mutex
	live map[string]*liveRun
}

// liveRun carries the job context into the transitions, since the FSM runs
// them on a context that is never cancelled. done closes once the machine
// reaches complete or failed.
type liveRun struct {
	ctx  context.Context
	run  *export.Run
	err  error
	done chan struct{}
	once sync.Once
}

func newLiveRun(ctx context.Context, run *export.Run) *liveRun {
	return &liveRun{ctx: ctx, run: run, done: make(chan struct{})}
}

func (l *liveRun) finish() {
	l.once.Do(func() { close(l.done) })
}

// NewRunner registers the export machine with manager.
func NewRunner(ctx context.Context, manager *fsm.Manager, p *export.Pipeline) (*Runner, error) {
	r := &Runner{
		pipeline: p,
		manager:  manager,
		live:     map[string]*liveRun{},
	}
	start, _, err := r.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	r.start = start
	return r, nil
}

// Register registers the export FSM
func (r *Runner) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ExportRequest, ExportResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ExportRequest, ExportResponse](manager, action).
		Start(StatePowerOff, r.transition(StatePowerOff, r.pipeline.PowerOff)).
		To(StateLease, r.transition(StateLease, r.pipeline.AcquireLease)).
		To(StateDownload, r.transition(StateDownload, r.pipeline.Download)).
		To(StatePackage, r.transition(StatePackage, r.pipeline.Package)).
		To(StateComplete, r.transition(StateComplete, r.pipeline.Finish)).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Run starts the machine for j and waits for it to finish.
func (r *Runner) Run(ctx context.Context, j job.Job, em *job.Emitter) (*export.Result, error) {
	l := newLiveRun(ctx, export.NewRun(j, em))

	r.mu.Lock()
	r.live[j.ID] = l
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.live, j.ID)
		r.mu.Unlock()
	}()

	req := &ExportRequest{
		JobID:     j.ID,
		VMName:    j.VMName,
		OutputDir: j.OutputDir,
		PowerOff:  j.PowerOffBeforeExport,
	}
	resp := &ExportResponse{}

	version, err := r.start(ctx, j.ID, fsm.NewRequest(req, resp))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "job_id", j.ID, "vm", j.VMName, "version", version)

	werr := r.manager.Wait(ctx, version)
	if werr != nil {
		// the transition in flight sees the cancelled job context and fails
		// the run itself; wait for it so cleanup happens once
		select {
		case <-l.done:
		case <-time.After(settleTimeout):
			slog.Error("fsm_settle_timeout", "job_id", j.ID, "vm", j.VMName, "timeout", settleTimeout)
		}
	}

	r.mu.Lock()
	stageErr := l.err
	r.mu.Unlock()

	if stageErr != nil {
		return nil, stageErr
	}
	if werr != nil {
		select {
		case <-l.done:
		default:
			if ctx.Err() != nil {
				return nil, errors.E(errors.KindTimeout, "export", werr)
			}
			return nil, errors.Wrap(werr, "FSM execution failed")
		}
	}

	return &export.Result{OutputPath: l.run.OutputPath, PublishedTo: l.run.Published}, nil
}
