// Package lease manages one remote export lease: acquisition, readiness
// polling, advisory progress and exactly-once release.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ova-exporter/ova-exporter/internal/poll"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

const (
	DefaultPollInterval = time.Second
	DefaultTimeout      = 300 * time.Second
)

// ErrLeaseFailed is returned when the platform puts the lease in error state.
var ErrLeaseFailed = errors.New("lease entered error state")

// Option configures a Session.
type Option func(*Session)

// WithPollInterval overrides the readiness poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// Session is the lease of one export job. It is safe for concurrent use.
type Session struct {
	api          platform.LeaseAPI
	handle       platform.LeaseHandle
	host         string
	pollInterval time.Duration

	mu           sync.Mutex
	state        platform.LeaseState
	transfers    []platform.DeviceTransfer
	resolved     bool
	lastProgress int
}

// Acquire requests an export lease for vm. host replaces the "*" placeholder
// in device URLs.
func Acquire(ctx context.Context, api platform.LeaseAPI, vm, host string, opts ...Option) (*Session, error) {
	slog.Info("lease_acquire_start", "vm", vm)

	h, err := api.CreateExportLease(ctx, vm)
	if err != nil {
		slog.Error("lease_acquire_failed", "vm", vm, "error", err)
		if errors.Is(err, platform.ErrNotFound) {
			return nil, errors.E(errors.KindPrecondition, "acquire lease", err)
		}
		return nil, errors.E(errors.KindLease, "acquire lease", err)
	}

	s := &Session{
		api:          api,
		handle:       h,
		host:         host,
		pollInterval: DefaultPollInterval,
		state:        platform.LeaseInitializing,
		lastProgress: -1,
	}
	for _, opt := range opts {
		opt(s)
	}

	slog.Info("lease_acquired", "vm", vm, "lease", h.ID)
	return s, nil
}

// Handle returns the remote lease handle.
func (s *Session) Handle() platform.LeaseHandle { return s.handle }

// State returns the local view of the lease state.
func (s *Session) State() platform.LeaseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transfers returns the device transfers discovered by AwaitReady.
func (s *Session) Transfers() []platform.DeviceTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.DeviceTransfer(nil), s.transfers...)
}

func (s *Session) setState(st platform.LeaseState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// AwaitReady polls until the lease is ready, fails, or timeout elapses. A
// timeout is reported as a lease error.
func (s *Session) AwaitReady(ctx context.Context, timeout time.Duration) (platform.LeaseState, []platform.DeviceTransfer, error) {
	const op = "await lease ready"

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	slog.Info("lease_wait_start", "vm", s.handle.VM, "lease", s.handle.ID, "timeout", timeout)

	err := poll.Until(ctx, s.pollInterval, timeout, func(ctx context.Context) (bool, error) {
		st, err := s.api.GetLeaseState(ctx, s.handle)
		if err != nil {
			return false, errors.E(errors.KindConnection, "get lease state", err)
		}
		switch st {
		case platform.LeaseReady:
			return true, nil
		case platform.LeaseError:
			return false, ErrLeaseFailed
		case platform.LeaseDone:
			return false, fmt.Errorf("lease %s already released", s.handle.ID)
		}
		return false, nil
	})
	if err != nil {
		s.setState(platform.LeaseError)
		slog.Error("lease_wait_failed", "vm", s.handle.VM, "lease", s.handle.ID, "error", err)
		switch {
		case ctx.Err() != nil:
			return platform.LeaseError, nil, errors.E(errors.KindTimeout, op, ctx.Err())
		case errors.Is(err, poll.ErrTimeout):
			return platform.LeaseError, nil, errors.E(errors.KindLease, op,
				fmt.Errorf("not ready after %s: %w", timeout, err))
		default:
			return platform.LeaseError, nil, errors.E(errors.KindLease, op, err)
		}
	}

	raw, err := s.api.GetDeviceURLs(ctx, s.handle)
	if err != nil {
		s.setState(platform.LeaseError)
		return platform.LeaseError, nil, errors.E(errors.KindLease, "get device urls", err)
	}

	transfers := make([]platform.DeviceTransfer, 0, len(raw))
	for _, t := range raw {
		t.URL = RewriteHost(t.URL, s.host)
		if t.TargetName == "" {
			t.TargetName = targetFromURL(t.URL)
		}
		transfers = append(transfers, t)
	}

	s.mu.Lock()
	s.state = platform.LeaseReady
	s.transfers = transfers
	s.mu.Unlock()

	slog.Info("lease_ready", "vm", s.handle.VM, "lease", s.handle.ID, "files", len(transfers))
	return platform.LeaseReady, append([]platform.DeviceTransfer(nil), transfers...), nil
}

// RewriteHost replaces the "*" host placeholder of a device URL.
func RewriteHost(raw, host string) string {
	if host == "" {
		return raw
	}
	return strings.Replace(raw, "://*", "://"+host, 1)
}

func targetFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// ReportProgress pushes percent to the remote lease. It is advisory: failures
// are logged and dropped, and an unchanged value is not re-sent.
func (s *Session) ReportProgress(ctx context.Context, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	s.mu.Lock()
	if s.resolved || s.state != platform.LeaseReady || percent == s.lastProgress {
		s.mu.Unlock()
		return
	}
	s.lastProgress = percent
	s.mu.Unlock()

	if err := s.api.ReportLeaseProgress(ctx, s.handle, percent); err != nil {
		slog.Debug("lease_progress_failed", "lease", s.handle.ID, "percent", percent, "error", err)
	}
}

// Complete releases a ready lease after a successful export. Only the first
// Complete or Abort takes effect.
func (s *Session) Complete(ctx context.Context) error {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return nil
	}
	if s.state != platform.LeaseReady {
		st := s.state
		s.mu.Unlock()
		return errors.E(errors.KindLease, "complete lease", fmt.Errorf("lease is %s", st))
	}
	s.resolved = true
	s.state = platform.LeaseDone
	s.mu.Unlock()

	if err := s.api.CompleteLease(ctx, s.handle); err != nil {
		slog.Error("lease_complete_failed", "lease", s.handle.ID, "error", err)
		return errors.E(errors.KindLease, "complete lease", err)
	}
	slog.Info("lease_completed", "vm", s.handle.VM, "lease", s.handle.ID)
	return nil
}

// Abort releases the lease after a failure. It is valid in any state; only the
// first Complete or Abort takes effect.
func (s *Session) Abort(ctx context.Context) error {
	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return nil
	}
	s.resolved = true
	s.state = platform.LeaseDone
	s.mu.Unlock()

	if err := s.api.AbortLease(ctx, s.handle); err != nil {
		slog.Error("lease_abort_failed", "lease", s.handle.ID, "error", err)
		return errors.E(errors.KindLease, "abort lease", err)
	}
	slog.Info("lease_aborted", "vm", s.handle.VM, "lease", s.handle.ID)
	return nil
}

// Resolved reports whether Complete or Abort already took effect.
func (s *Session) Resolved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}
