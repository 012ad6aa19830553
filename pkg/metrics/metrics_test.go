package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ova-exporter/ova-exporter/pkg/job"
)

func TestHandleEvent(t *testing.T) {
	m := New()
	t0 := time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)

	m.HandleEvent(job.Event{Type: job.EventQueued, JobID: "a"})
	m.HandleEvent(job.Event{Type: job.EventQueued, JobID: "b"})
	m.HandleEvent(job.Event{Type: job.EventStatus, JobID: "a", Status: job.StatusPoweringOff, Time: t0})
	m.HandleEvent(job.Event{Type: job.EventProgress, JobID: "a", Progress: 42, Time: t0.Add(time.Minute)})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.queued))
	assert.Equal(t, float64(42), testutil.ToFloat64(m.progress))

	m.HandleEvent(job.Event{Type: job.EventFinished, JobID: "a", Status: job.StatusCompleted, Time: t0.Add(2 * time.Minute)})
	m.HandleEvent(job.Event{Type: job.EventFinished, JobID: "b", Status: job.StatusCancelled, Time: t0.Add(2 * time.Minute)})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.finished.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.finished.WithLabelValues("cancelled")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.progress))
	assert.Empty(t, m.started)
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.RegisterQueueDepth(func() int { return 3 })
	m.HandleEvent(job.Event{Type: job.EventQueued, JobID: "a"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ova_exporter_jobs_queued_total 1")
	assert.Contains(t, string(body), "ova_exporter_queue_depth 3")
}
