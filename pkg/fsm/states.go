package fsm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/superfly/fsm"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/export"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

func (r *Runner) lookup(jobID string) (*liveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.live[jobID]
	return l, ok
}

// transition adapts a pipeline stage to an FSM handler. Stage errors abort
// the machine; there are no retries.
func (r *Runner) transition(state string, stage export.Stage) func(context.Context, *fsm.Request[ExportRequest, ExportResponse]) (*fsm.Response[ExportResponse], error) {
	return func(ctx context.Context, req *fsm.Request[ExportRequest, ExportResponse]) (*fsm.Response[ExportResponse], error) {
		slog.Info("fsm_state_"+state, "job_id", req.Msg.JobID, "vm", req.Msg.VMName)

		resp := req.W.Msg
		if resp == nil {
			resp = &ExportResponse{}
		}

		l, ok := r.lookup(req.Msg.JobID)
		if !ok {
			// resumed after a restart: the lease and emitter are gone
			slog.Error("fsm_run_not_live", "job_id", req.Msg.JobID, "state", state)
			return nil, fsm.Abort(fmt.Errorf("export %s is not running in this process", req.Msg.JobID))
		}

		sctx := l.ctx
		if sctx == nil {
			sctx = ctx
		}

		err := sctx.Err()
		if err != nil {
			err = errors.E(errors.KindTimeout, state, err)
		} else {
			err = stage(sctx, l.run)
		}
		if err != nil {
			r.pipeline.Fail(sctx, l.run, err)

			r.mu.Lock()
			l.err = err
			r.mu.Unlock()
			l.finish()

			resp.Status = string(job.StatusFailed)
			resp.ErrorKind = string(errors.KindOf(err))
			resp.ErrorMessage = err.Error()
			return nil, fsm.Abort(err)
		}

		resp.StagingDir = l.run.StagingDir
		resp.Files = l.run.Files
		resp.OutputPath = l.run.OutputPath
		resp.PublishedTo = l.run.Published
		if state == StateComplete {
			resp.Status = string(job.StatusCompleted)
			l.finish()
		}
		return fsm.NewResponse(resp), nil
	}
}
