// Package api is the HTTP request layer in front of the export queue.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
	"github.com/ova-exporter/ova-exporter/pkg/power"
	"github.com/ova-exporter/ova-exporter/pkg/queue"
)

// JobQueue is the part of the orchestrator the handlers use.
type JobQueue interface {
	Enqueue(vmNames []string, opts job.Options) ([]job.Job, error)
	Status() queue.Snapshot
	Cancel() int
	Subscribe() (<-chan job.Event, func())
}

// PowerController powers VMs off on request.
type PowerController interface {
	EnsurePoweredOff(ctx context.Context, vm string, timeout time.Duration) (power.Outcome, error)
}

// HistoryReader reads the durable export history.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]job.Job, error)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Queue           JobQueue
	Inventory       platform.Inventory
	Power           PowerController
	History         HistoryReader // optional
	PowerOffTimeout time.Duration
	Metrics         http.Handler // optional
}

// Handler serves the export API.
type Handler struct {
	deps Dependencies
}

// NewHandler creates a Handler instance
func NewHandler(deps Dependencies) *Handler {
	if deps.PowerOffTimeout <= 0 {
		deps.PowerOffTimeout = power.DefaultTimeout
	}
	return &Handler{deps: deps}
}

type exportRequest struct {
	VMNames              []string `json:"vm_names"`
	PowerOffBeforeExport *bool    `json:"poweroff_before_export"`
}

type powerOffRequest struct {
	VMName string `json:"vm_name"`
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}

// ListVMs handles GET /api/vms
func (h *Handler) ListVMs(c *gin.Context) {
	filter := platform.Filter{PowerState: platform.PowerState(c.Query("power_state"))}

	vms, err := h.deps.Inventory.ListVMs(c.Request.Context(), filter)
	if err != nil {
		slog.Error("api_list_vms_failed", "error", err)
		fail(c, http.StatusBadGateway, "failed to list VMs: "+err.Error())
		return
	}
	if vms == nil {
		vms = []platform.VM{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"vms":     vms,
		"total":   len(vms),
	})
}

// PowerOff handles POST /api/poweroff
func (h *Handler) PowerOff(c *gin.Context) {
	var req powerOffRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.VMName == "" {
		fail(c, http.StatusBadRequest, "vm_name is required")
		return
	}

	outcome, err := h.deps.Power.EnsurePoweredOff(c.Request.Context(), req.VMName, h.deps.PowerOffTimeout)
	if err != nil {
		slog.Error("api_poweroff_failed", "vm", req.VMName, "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, platform.ErrNotFound) {
			status = http.StatusNotFound
		}
		fail(c, status, err.Error())
		return
	}

	slog.Info("api_poweroff_complete", "vm", req.VMName, "outcome", outcome)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("VM %s is powered off", req.VMName),
		"outcome": outcome,
	})
}

// Export handles POST /api/export
func (h *Handler) Export(c *gin.Context) {
	var req exportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.VMNames) == 0 {
		fail(c, http.StatusBadRequest, "no VMs selected")
		return
	}

	opts := job.DefaultOptions()
	if req.PowerOffBeforeExport != nil {
		opts.PowerOffBeforeExport = *req.PowerOffBeforeExport
	}

	jobs, err := h.deps.Queue.Enqueue(req.VMNames, opts)
	if err != nil {
		slog.Error("api_enqueue_failed", "vms", req.VMNames, "error", err)
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    fmt.Sprintf("%d VM(s) added to the queue", len(jobs)),
		"queue_size": len(h.deps.Queue.Status().Queue),
		"jobs":       jobs,
	})
}

// Status handles GET /api/status
func (h *Handler) Status(c *gin.Context) {
	s := h.deps.Queue.Status()
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"current_download": s.Active,
		"queue":            s.Queue,
		"queue_size":       len(s.Queue),
		"history":          s.History,
	})
}

// Cancel handles POST /api/cancel
func (h *Handler) Cancel(c *gin.Context) {
	n := h.deps.Queue.Cancel()
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "download cancelled",
		"discarded": n,
	})
}

// History handles GET /api/history
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var jobs []job.Job
	if h.deps.History != nil {
		var err error
		jobs, err = h.deps.History.Recent(c.Request.Context(), limit)
		if err != nil {
			slog.Error("api_history_failed", "error", err)
			fail(c, http.StatusInternalServerError, "failed to read history")
			return
		}
	} else {
		jobs = h.deps.Queue.Status().History
		if len(jobs) > limit {
			jobs = jobs[:limit]
		}
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"history": jobs,
		"total":   len(jobs),
	})
}

// Events handles GET /api/events as a server-sent event stream.
func (h *Handler) Events(c *gin.Context) {
	events, unsubscribe := h.deps.Queue.Subscribe()
	defer unsubscribe()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
