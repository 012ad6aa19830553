// Package job defines the export job record, its status machine and the ordered
// event stream used to report job progress.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusPoweringOff Status = "powering_off"
	StatusDownloading Status = "downloading"
	StatusPackaging   Status = "packaging"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsActive reports whether a job in this status is being worked on.
func (s Status) IsActive() bool {
	switch s {
	case StatusPoweringOff, StatusDownloading, StatusPackaging:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Options are the per-request export settings.
type Options struct {
	PowerOffBeforeExport bool `json:"poweroff_before_export"`
}

// DefaultOptions matches the request layer default: power off before export.
func DefaultOptions() Options {
	return Options{PowerOffBeforeExport: true}
}

// Job is one VM export. The orchestrator owns it while queued or active.
type Job struct {
	ID                   string     `json:"id" yaml:"id"`
	VMName               string     `json:"vm_name" yaml:"vm_name"`
	Status               Status     `json:"status" yaml:"status"`
	Progress             int        `json:"progress" yaml:"progress"`
	Message              string     `json:"message,omitempty" yaml:"message,omitempty"`
	Error                string     `json:"error,omitempty" yaml:"error,omitempty"`
	ErrorKind            string     `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	OutputDir            string     `json:"download_dir" yaml:"download_dir"`
	OutputPath           string     `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	PublishedTo          string     `json:"published_to,omitempty" yaml:"published_to,omitempty"`
	PowerOffBeforeExport bool       `json:"poweroff_before" yaml:"poweroff_before"`
	CancelRequested      bool       `json:"cancel_requested,omitempty" yaml:"cancel_requested,omitempty"`
	CreatedAt            time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt           *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// New creates a pending job.
func New(vmName, outputDir string, opts Options, now time.Time) *Job {
	return &Job{
		ID:                   uuid.NewString(),
		VMName:               vmName,
		Status:               StatusPending,
		OutputDir:            outputDir,
		PowerOffBeforeExport: opts.PowerOffBeforeExport,
		CreatedAt:            now,
	}
}

// SetProgress raises the progress value. Lower values are ignored so progress
// never goes backwards, and values are clamped to [0,100].
func (j *Job) SetProgress(p int) bool {
	if p > 100 {
		p = 100
	}
	if p <= j.Progress {
		return false
	}
	j.Progress = p
	return true
}

// Clone returns a copy safe to hand out of the orchestrator's lock.
func (j *Job) Clone() Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
