package fsm

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"

	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/export"
	"github.com/ova-exporter/ova-exporter/pkg/job"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
	"github.com/ova-exporter/ova-exporter/pkg/platform/platformtest"
	"github.com/ova-exporter/ova-exporter/pkg/power"
	"github.com/ova-exporter/ova-exporter/pkg/security"
	"github.com/ova-exporter/ova-exporter/pkg/transfer"
)

func newRunner(t *testing.T, vm platformtest.VM) (*Runner, *platformtest.Fake) {
	t.Helper()
	return newRunnerWithConfig(t, vm, export.Config{PowerOffTimeout: time.Second, LeaseTimeout: time.Second, LeasePollInterval: time.Millisecond})
}

func newRunnerWithConfig(t *testing.T, vm platformtest.VM, cfg export.Config) (*Runner, *platformtest.Fake) {
	t.Helper()

	files := map[string][]byte{
		"db01.ovf":         []byte("<Envelope/>"),
		"db01-disk-0.vmdk": bytes.Repeat([]byte("x"), 64*1024),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[strings.TrimPrefix(r.URL.Path, "/nfc/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	vm.Transfers = []platform.DeviceTransfer{
		{URL: "http://*/nfc/db01.ovf", Size: 11},
		{URL: "http://*/nfc/db01-disk-0.vmdk", Size: 64 * 1024},
	}
	fake := platformtest.New(u.Host, vm)

	v := security.NewValidator(0, 0)
	p := export.New(fake,
		power.NewController(fake, time.Millisecond, time.Second),
		transfer.NewDownloader(transfer.NewClient(transfer.DefaultOptions()), v, 0),
		archive.NewPackager(archive.CompressionNone, v),
		nil,
		cfg,
	)

	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(5 * time.Second) })

	r, err := NewRunner(context.Background(), manager, p)
	require.NoError(t, err)
	return r, fake
}

func TestRunnerCompletesExport(t *testing.T) {
	r, fake := newRunner(t, platformtest.VM{Name: "db01", GuestOffAfter: 1})

	j := job.New("db01", t.TempDir(), job.DefaultOptions(), time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := r.Run(ctx, *j, nil)
	require.NoError(t, err)

	names, err := archive.List(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"db01.ovf", "db01-disk-0.vmdk"}, names)

	leases := fake.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 1, leases[0].Completed)
	assert.Equal(t, 0, leases[0].Aborted)
	assert.Equal(t, 1, fake.PowerOps("db01"))

	r.mu.Lock()
	assert.Empty(t, r.live)
	r.mu.Unlock()
}

func TestRunnerKeepsStageErrorKind(t *testing.T) {
	r, fake := newRunner(t, platformtest.VM{
		Name:        "db01",
		Power:       platform.PoweredOff,
		LeaseStates: []platform.LeaseState{platform.LeaseInitializing, platform.LeaseError},
	})

	dir := t.TempDir()
	j := job.New("db01", dir, job.DefaultOptions(), time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.Run(ctx, *j, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLease), "got %v", err)

	leases := fake.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 1, leases[0].Aborted)
	assert.Equal(t, 0, leases[0].Completed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransitionWithoutLiveRunAborts(t *testing.T) {
	r := &Runner{live: map[string]*liveRun{}}
	handler := r.transition(StateDownload, func(ctx context.Context, run *export.Run) error {
		t.Fatal("stage must not run")
		return nil
	})

	req := fsm.NewRequest(&ExportRequest{JobID: "gone", VMName: "db01"}, &ExportResponse{})
	_, err := handler(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running in this process")
}

func TestTransitionRecordsStageOutput(t *testing.T) {
	r := &Runner{live: map[string]*liveRun{}}
	run := export.NewRun(job.Job{ID: "job-1", VMName: "db01"}, nil)
	r.live["job-1"] = newLiveRun(context.Background(), run)

	handler := r.transition(StatePackage, func(ctx context.Context, run *export.Run) error {
		run.OutputPath = "/exports/20250307/db01_20250307_140509.ova"
		return nil
	})

	req := fsm.NewRequest(&ExportRequest{JobID: "job-1", VMName: "db01"}, &ExportResponse{})
	resp, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "/exports/20250307/db01_20250307_140509.ova", req.W.Msg.OutputPath)
}

func TestRunnerStopsWhenJobContextEnds(t *testing.T) {
	r, fake := newRunnerWithConfig(t, platformtest.VM{
		Name:        "db01",
		Power:       platform.PoweredOff,
		LeaseStates: []platform.LeaseState{platform.LeaseInitializing},
	}, export.Config{PowerOffTimeout: time.Second, LeaseTimeout: time.Minute, LeasePollInterval: 5 * time.Millisecond})

	dir := t.TempDir()
	j := job.New("db01", dir, job.DefaultOptions(), time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		assert.Eventually(t, func() bool { return len(fake.Leases()) == 1 }, 5*time.Second, time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, *j, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 30*time.Second, "lease wait must stop with the job context")

	leases := fake.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 1, leases[0].Aborted)
	assert.Equal(t, 0, leases[0].Completed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	r.mu.Lock()
	assert.Empty(t, r.live)
	r.mu.Unlock()
}

func TestTransitionSkipsStageAfterCancel(t *testing.T) {
	r := &Runner{live: map[string]*liveRun{}, pipeline: export.New(nil, nil, nil, nil, nil, export.Config{})}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := newLiveRun(ctx, export.NewRun(job.Job{ID: "job-1", VMName: "db01"}, nil))
	r.live["job-1"] = l

	handler := r.transition(StatePackage, func(ctx context.Context, run *export.Run) error {
		t.Fatal("stage must not run")
		return nil
	})

	req := fsm.NewRequest(&ExportRequest{JobID: "job-1", VMName: "db01"}, &ExportResponse{})
	_, err := handler(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errors.IsKind(l.err, errors.KindTimeout), "got %v", l.err)
	assert.Equal(t, string(errors.KindTimeout), req.W.Msg.ErrorKind)

	select {
	case <-l.done:
	default:
		t.Fatal("failed transition must end the run")
	}
}
