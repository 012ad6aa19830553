package export

import (
	"bytes"
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
	"github.com/ova-exporter/ova-exporter/pkg/platform/platformtest"
	"github.com/ova-exporter/ova-exporter/pkg/power"
	"github.com/ova-exporter/ova-exporter/pkg/security"
	"github.com/ova-exporter/ova-exporter/pkg/transfer"
)

const kb = 1024

type env struct {
	fake *platformtest.Fake
	srv  *httptest.Server
	host string
	dir  string
}

func newEnv(t *testing.T, files map[string][]byte) *env {
	t.Helper()
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

	return &env{
		fake: platformtest.New(u.Host),
		srv:  srv,
		host: u.Host,
		dir:  t.TempDir(),
	}
}

func (e *env) pipeline(pub publisherFunc, cfg Config) *Pipeline {
	if cfg.LeaseTimeout == 0 {
		cfg.LeaseTimeout = time.Second
	}
	if cfg.PowerOffTimeout == 0 {
		cfg.PowerOffTimeout = time.Second
	}
	cfg.LeasePollInterval = time.Millisecond

	v := security.NewValidator(0, 0)
	d := transfer.NewDownloader(transfer.NewClient(transfer.DefaultOptions()), v, 16*kb)
	pk := archive.NewPackager(archive.CompressionNone, v)
	pc := power.NewController(e.fake, time.Millisecond, time.Second)

	p := New(e.fake, pc, d, pk, nil, cfg)
	if pub != nil {
		p.publisher = pub
	}
	return p
}

type publisherFunc func(ctx context.Context, path string) (string, error)

func (f publisherFunc) Publish(ctx context.Context, path string) (string, error) { return f(ctx, path) }

func collect(t *testing.T, run func(em *job.Emitter)) []job.Event {
	t.Helper()
	ch := make(chan job.Event, 4096)
	run(job.NewEmitter(context.Background(), ch, "job-1", "db01"))
	close(ch)

	var events []job.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func db01Transfers() []platform.DeviceTransfer {
	return []platform.DeviceTransfer{
		{URL: "http://*/nfc/disk-0.vmdk", TargetName: "db01-disk-0.vmdk", Size: 100 * kb},
		{URL: "http://*/nfc/disk-1.vmdk", Size: 300 * kb},
	}
}

func db01Files() map[string][]byte {
	return map[string][]byte{
		"disk-0.vmdk": bytes.Repeat([]byte("a"), 100*kb),
		"disk-1.vmdk": bytes.Repeat([]byte("b"), 300*kb),
	}
}

func TestRunExportsVM(t *testing.T) {
	e := newEnv(t, db01Files())
	e.fake.AddVM(platformtest.VM{Name: "db01", GuestOffAfter: 1, Transfers: db01Transfers()})

	j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())

	var res *Result
	events := collect(t, func(em *job.Emitter) {
		var err error
		res, err = e.pipeline(nil, Config{}).Run(context.Background(), *j, em)
		require.NoError(t, err)
	})

	assert.Regexp(t, regexp.MustCompile(`db01_\d{8}_\d{6}\.ova$`), res.OutputPath)
	names, err := archive.List(res.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"db01-disk-0.vmdk", "disk-1.vmdk"}, names)

	var statuses []job.Status
	var percents []int
	for _, ev := range events {
		switch ev.Type {
		case job.EventStatus:
			statuses = append(statuses, ev.Status)
		case job.EventProgress:
			percents = append(percents, ev.Progress)
		}
	}
	assert.Equal(t, []job.Status{job.StatusPoweringOff, job.StatusDownloading, job.StatusPackaging}, statuses)

	prev := 0
	sawMid := false
	for _, p := range percents {
		assert.GreaterOrEqual(t, p, prev, "progress went backwards")
		if p > 10 && p < 80 {
			sawMid = true
		}
		prev = p
	}
	assert.True(t, sawMid, "download progress passes through the band")
	assert.Contains(t, percents, 27) // 10 + floor(70 * 100/400)
	assert.Equal(t, []int{80, 85, 95, 100}, percents[len(percents)-4:])

	leases := e.fake.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 1, leases[0].Completed)
	assert.Equal(t, 0, leases[0].Aborted)
	assert.Equal(t, 100, leases[0].Progress[len(leases[0].Progress)-1])

	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the artifact remains")
	assert.Equal(t, filepath.Base(res.OutputPath), entries[0].Name())
}

func TestRunAlreadyOffSkipsPowerOperations(t *testing.T) {
	e := newEnv(t, db01Files())
	e.fake.AddVM(platformtest.VM{Name: "db01", Power: platform.PoweredOff, Transfers: db01Transfers()})

	j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())
	_, err := e.pipeline(nil, Config{}).Run(context.Background(), *j, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, e.fake.PowerOps("db01"))
	assert.Equal(t, "CreateExportLease:db01", e.fake.Calls()[0])
}

func TestRunLeaseTimeout(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.AddVM(platformtest.VM{
		Name:        "db01",
		Power:       platform.PoweredOff,
		LeaseStates: []platform.LeaseState{platform.LeaseInitializing},
	})

	j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())
	_, err := e.pipeline(nil, Config{LeaseTimeout: 20 * time.Millisecond}).Run(context.Background(), *j, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindLease))

	leases := e.fake.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, 0, leases[0].Completed)
	assert.Equal(t, 1, leases[0].Aborted)
}

func TestRunTransferFailureAbortsLease(t *testing.T) {
	files := db01Files()
	delete(files, "disk-1.vmdk")
	e := newEnv(t, files)
	e.fake.AddVM(platformtest.VM{Name: "db01", Power: platform.PoweredOff, Transfers: db01Transfers()})

	j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())
	_, err := e.pipeline(nil, Config{}).Run(context.Background(), *j, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransfer))

	leases := e.fake.Leases()
	assert.Equal(t, 1, leases[0].Aborted)
	assert.Equal(t, 0, leases[0].Completed)

	entries, err := os.ReadDir(e.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "staging directory removed")
}

func TestRunRequiresPoweredOffVM(t *testing.T) {
	e := newEnv(t, nil)
	e.fake.AddVM(platformtest.VM{Name: "db01"})

	j := job.New("db01", e.dir, job.Options{PowerOffBeforeExport: false}, time.Now())
	_, err := e.pipeline(nil, Config{}).Run(context.Background(), *j, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindPrecondition))
	assert.Empty(t, e.fake.Leases())
}

func TestRunPublish(t *testing.T) {
	t.Run("published and local copy removed", func(t *testing.T) {
		e := newEnv(t, db01Files())
		e.fake.AddVM(platformtest.VM{Name: "db01", Power: platform.PoweredOff, Transfers: db01Transfers()})

		var published string
		pub := publisherFunc(func(ctx context.Context, path string) (string, error) {
			published = path
			return "s3://exports/" + filepath.Base(path), nil
		})

		j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())
		res, err := e.pipeline(pub, Config{}).Run(context.Background(), *j, nil)
		require.NoError(t, err)
		assert.Equal(t, res.OutputPath, published)
		assert.Equal(t, "s3://exports/"+filepath.Base(published), res.PublishedTo)

		_, err = os.Stat(res.OutputPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("publish failure aborts lease", func(t *testing.T) {
		e := newEnv(t, db01Files())
		e.fake.AddVM(platformtest.VM{Name: "db01", Power: platform.PoweredOff, Transfers: db01Transfers()})

		pub := publisherFunc(func(ctx context.Context, path string) (string, error) {
			return "", stderrors.New("bucket unavailable")
		})

		j := job.New("db01", e.dir, job.DefaultOptions(), time.Now())
		_, err := e.pipeline(pub, Config{}).Run(context.Background(), *j, nil)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindPublish))

		leases := e.fake.Leases()
		assert.Equal(t, 1, leases[0].Aborted)
		assert.Equal(t, 0, leases[0].Completed)

		entries, err := os.ReadDir(e.dir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
