// Package power brings a VM into the powered-off state required for export:
// graceful guest shutdown first, forced power-off when the guest does not
// comply in time.
package power

import (
	"context"
	"log/slog"
	"time"

	"github.com/ova-exporter/ova-exporter/internal/poll"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

// Outcome tells how the VM ended up powered off.
type Outcome string

const (
	OutcomeAlreadyOff    Outcome = "already_off"
	OutcomeGuestShutdown Outcome = "guest_shutdown"
	OutcomeForced        Outcome = "forced"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 120 * time.Second
	DefaultTaskTimeout  = 300 * time.Second
)

// Controller issues power operations through the platform.
type Controller struct {
	api          platform.PowerAPI
	pollInterval time.Duration
	taskTimeout  time.Duration
}

// NewController creates a controller. Zero durations fall back to defaults.
func NewController(api platform.PowerAPI, pollInterval, taskTimeout time.Duration) *Controller {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Controller{api: api, pollInterval: pollInterval, taskTimeout: taskTimeout}
}

// EnsurePoweredOff returns once vm is powered off. A VM that is already off
// is left untouched.
func (c *Controller) EnsurePoweredOff(ctx context.Context, vm string, timeout time.Duration) (Outcome, error) {
	const op = "ensure powered off"

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	state, err := c.api.GetPowerState(ctx, vm)
	if err != nil {
		return "", classify(ctx, op, err)
	}
	if state == platform.PoweredOff {
		slog.Info("power_already_off", "vm", vm)
		return OutcomeAlreadyOff, nil
	}

	slog.Info("power_guest_shutdown_start", "vm", vm, "state", state, "timeout", timeout)

	if err := c.api.PowerOffGuest(ctx, vm); err != nil {
		if errors.Is(err, platform.ErrNotFound) || ctx.Err() != nil {
			return "", classify(ctx, op, err)
		}
		slog.Warn("power_guest_shutdown_unavailable", "vm", vm, "error", err)
		return c.force(ctx, vm)
	}

	err = poll.Until(ctx, c.pollInterval, timeout, func(ctx context.Context) (bool, error) {
		s, err := c.api.GetPowerState(ctx, vm)
		if err != nil {
			return false, err
		}
		return s == platform.PoweredOff, nil
	})
	switch {
	case err == nil:
		slog.Info("power_guest_shutdown_complete", "vm", vm)
		return OutcomeGuestShutdown, nil
	case errors.Is(err, poll.ErrTimeout):
		slog.Warn("power_guest_shutdown_timeout", "vm", vm, "timeout", timeout)
		return c.force(ctx, vm)
	default:
		return "", classify(ctx, op, err)
	}
}

func (c *Controller) force(ctx context.Context, vm string) (Outcome, error) {
	const op = "force power off"

	slog.Info("power_force_off_start", "vm", vm)

	task, err := c.api.ForcePowerOff(ctx, vm)
	if err != nil {
		slog.Error("power_force_off_failed", "vm", vm, "error", err)
		if ctx.Err() != nil {
			return "", classify(ctx, op, err)
		}
		return "", errors.E(errors.KindPrecondition, op, err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	if err := task.Wait(tctx); err != nil {
		if ctx.Err() == nil && tctx.Err() != nil {
			slog.Error("power_force_off_timeout", "vm", vm, "timeout", c.taskTimeout)
			return "", errors.E(errors.KindTimeout, op, poll.ErrTimeout)
		}
		slog.Error("power_force_off_failed", "vm", vm, "error", err)
		if ctx.Err() != nil {
			return "", classify(ctx, op, err)
		}
		return "", errors.E(errors.KindPrecondition, op, err)
	}

	slog.Info("power_force_off_complete", "vm", vm)
	return OutcomeForced, nil
}

func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, platform.ErrNotFound):
		return errors.E(errors.KindPrecondition, op, err)
	case ctx.Err() != nil:
		return errors.E(errors.KindTimeout, op, ctx.Err())
	case errors.Is(err, poll.ErrTimeout):
		return errors.E(errors.KindTimeout, op, err)
	default:
		return errors.E(errors.KindConnection, op, err)
	}
}
