// Package export sequences the stages of one VM export: power-off, lease
// acquisition, download, packaging and lease completion.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
	"github.com/ova-exporter/ova-exporter/pkg/lease"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
	"github.com/ova-exporter/ova-exporter/pkg/power"
	"github.com/ova-exporter/ova-exporter/pkg/progress"
	"github.com/ova-exporter/ova-exporter/pkg/storage"
	"github.com/ova-exporter/ova-exporter/pkg/transfer"
)

// releaseTimeout bounds lease release and cleanup after a failure, even when
// the job context is already cancelled.
const releaseTimeout = 30 * time.Second

// Config holds the stage timeouts.
type Config struct {
	PowerOffTimeout   time.Duration
	LeaseTimeout      time.Duration
	LeasePollInterval time.Duration
	// KeepLocal keeps the local artifact after a successful publish.
	KeepLocal bool
}

// Pipeline holds the components shared by every export.
type Pipeline struct {
	platform   platform.Platform
	power      *power.Controller
	downloader *transfer.Downloader
	packager   *archive.Packager
	publisher  storage.Publisher
	cfg        Config
	now        func() time.Time
}

// New creates a pipeline. publisher may be nil.
func New(p platform.Platform, pc *power.Controller, d *transfer.Downloader, pk *archive.Packager, pub storage.Publisher, cfg Config) *Pipeline {
	return &Pipeline{
		platform:   p,
		power:      pc,
		downloader: d,
		packager:   pk,
		publisher:  pub,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Run is the working state of one export.
type Run struct {
	JobID      string
	VMName     string
	OutputDir  string
	PowerOff   bool
	Emitter    *job.Emitter
	Lease      *lease.Session
	StagingDir string
	Files      []string
	OutputPath string
	Published  string
}

// NewRun binds a job to an emitter.
func NewRun(j job.Job, em *job.Emitter) *Run {
	return &Run{
		JobID:     j.ID,
		VMName:    j.VMName,
		OutputDir: j.OutputDir,
		PowerOff:  j.PowerOffBeforeExport,
		Emitter:   em,
	}
}

// Result is what a successful export produced.
type Result struct {
	OutputPath  string
	PublishedTo string
}

// Stage is one step of the pipeline.
type Stage func(ctx context.Context, r *Run) error

// Stages returns the pipeline steps in execution order.
func (p *Pipeline) Stages() []Stage {
	return []Stage{p.PowerOff, p.AcquireLease, p.Download, p.Package, p.Finish}
}

// Run executes every stage. On failure the lease is aborted and local
// leftovers are removed before the error is returned.
func (p *Pipeline) Run(ctx context.Context, j job.Job, em *job.Emitter) (*Result, error) {
	r := NewRun(j, em)
	for _, stage := range p.Stages() {
		if err := stage(ctx, r); err != nil {
			p.Fail(ctx, r, err)
			return nil, err
		}
	}
	return &Result{OutputPath: r.OutputPath, PublishedTo: r.Published}, nil
}

// PowerOff ensures the VM is off when the job asks for it.
func (p *Pipeline) PowerOff(ctx context.Context, r *Run) error {
	if !r.PowerOff {
		return nil
	}

	r.Emitter.Status(job.StatusPoweringOff, "powering off "+r.VMName)

	outcome, err := p.power.EnsurePoweredOff(ctx, r.VMName, p.cfg.PowerOffTimeout)
	if err != nil {
		return err
	}

	slog.Info("export_powered_off", "job_id", r.JobID, "vm", r.VMName, "outcome", outcome)
	return nil
}

// AcquireLease checks the power precondition and waits for a ready lease.
func (p *Pipeline) AcquireLease(ctx context.Context, r *Run) error {
	r.Emitter.Status(job.StatusDownloading, "starting export")
	r.Emitter.Progress(progress.Started, "starting export")

	state, err := p.platform.GetPowerState(ctx, r.VMName)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return errors.E(errors.KindPrecondition, "check power state", err)
		}
		return errors.E(errors.KindConnection, "check power state", err)
	}
	if state != platform.PoweredOff {
		return errors.E(errors.KindPrecondition, "check power state",
			fmt.Errorf("vm %s is %s, it must be powered off before export", r.VMName, state))
	}

	s, err := lease.Acquire(ctx, p.platform, r.VMName, p.platform.Host(), lease.WithPollInterval(p.cfg.LeasePollInterval))
	if err != nil {
		return err
	}
	r.Lease = s

	if _, _, err := s.AwaitReady(ctx, p.cfg.LeaseTimeout); err != nil {
		return err
	}

	r.Emitter.Progress(progress.LeaseReady, fmt.Sprintf("lease ready, downloading %d files", len(s.Transfers())))
	return nil
}

// Download streams the lease files into a fresh staging directory.
func (p *Pipeline) Download(ctx context.Context, r *Run) error {
	staging := archive.StagingDir(r.OutputDir, r.VMName, p.now())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return errors.E(errors.KindTransfer, "create staging dir", err)
	}
	r.StagingDir = staging

	files, err := p.downloader.DownloadAll(ctx, r.Lease.Transfers(), staging, r.Lease, r.Emitter)
	if err != nil {
		return err
	}
	r.Files = files
	return nil
}

// Package writes the artifact, removes the staging files and publishes the
// artifact when a publisher is configured.
func (p *Pipeline) Package(ctx context.Context, r *Run) error {
	r.Emitter.Status(job.StatusPackaging, "creating OVA")
	r.Emitter.Progress(progress.Packaging, "creating OVA")

	out := filepath.Join(r.OutputDir, archive.ArtifactName(r.VMName, p.now(), p.packager.Compression()))
	res, err := p.packager.Write(r.Files, out)
	if err != nil {
		return err
	}
	r.OutputPath = res.Path

	r.Emitter.Progress(progress.CleaningUp, "cleaning up temporary files")
	archive.Cleanup(r.Files)
	r.Files = nil
	r.StagingDir = ""

	if p.publisher == nil {
		return nil
	}

	loc, err := p.publisher.Publish(ctx, res.Path)
	if err != nil {
		return errors.E(errors.KindPublish, "publish artifact", err)
	}
	r.Published = loc
	slog.Info("export_published", "job_id", r.JobID, "vm", r.VMName, "location", loc)

	if !p.cfg.KeepLocal {
		if err := os.Remove(res.Path); err != nil {
			slog.Warn("export_local_remove_failed", "path", res.Path, "error", err)
		}
	}
	return nil
}

// Finish completes the lease. The artifact already exists at this point, so a
// failed completion call is logged rather than failing the job.
func (p *Pipeline) Finish(ctx context.Context, r *Run) error {
	if err := r.Lease.Complete(ctx); err != nil {
		slog.Warn("export_lease_complete_failed", "job_id", r.JobID, "vm", r.VMName, "error", err)
	}
	r.Emitter.Progress(progress.Complete, "export completed")
	slog.Info("export_complete", "job_id", r.JobID, "vm", r.VMName, "path", r.OutputPath)
	return nil
}

// Fail aborts the lease and removes whatever the run left on disk.
func (p *Pipeline) Fail(ctx context.Context, r *Run, cause error) {
	slog.Error("export_failed", "job_id", r.JobID, "vm", r.VMName, "kind", errors.KindOf(cause), "error", cause)

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if r.Lease != nil {
		if err := r.Lease.Abort(rctx); err != nil {
			slog.Warn("export_lease_abort_failed", "job_id", r.JobID, "error", err)
		}
	}

	if r.StagingDir != "" {
		if err := os.RemoveAll(r.StagingDir); err != nil {
			slog.Warn("export_staging_remove_failed", "path", r.StagingDir, "error", err)
		}
	}
	if r.OutputPath != "" {
		if err := os.Remove(r.OutputPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("export_output_remove_failed", "path", r.OutputPath, "error", err)
		}
		r.OutputPath = ""
	}
}
