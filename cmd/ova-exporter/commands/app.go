package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/superfly/fsm"

	"github.com/ova-exporter/ova-exporter/internal/config"
	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/db"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/export"
	appfsm "github.com/ova-exporter/ova-exporter/pkg/fsm"
	"github.com/ova-exporter/ova-exporter/pkg/logger"
	"github.com/ova-exporter/ova-exporter/pkg/metrics"
	"github.com/ova-exporter/ova-exporter/pkg/notify"
	"github.com/ova-exporter/ova-exporter/pkg/platform/vsphere"
	"github.com/ova-exporter/ova-exporter/pkg/power"
	"github.com/ova-exporter/ova-exporter/pkg/queue"
	"github.com/ova-exporter/ova-exporter/pkg/security"
	"github.com/ova-exporter/ova-exporter/pkg/storage"
	"github.com/ova-exporter/ova-exporter/pkg/transfer"
)

// loadConfig loads and validates the configuration and installs the
// configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	logger.Setup(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	return cfg, nil
}

func connectPlatform(ctx context.Context, cfg *config.Config) (*vsphere.Client, error) {
	if err := cfg.ValidatePlatform(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return vsphere.Connect(ctx, vsphere.Config{
		Host:     cfg.VCenterHost,
		User:     cfg.VCenterUser,
		Password: cfg.VCenterPassword,
		Insecure: !cfg.VerifySSL,
	})
}

// app is every component an export needs, wired from the configuration.
type app struct {
	cfg      *config.Config
	platform *vsphere.Client
	power    *power.Controller
	repo     *db.Repository
	metrics  *metrics.Metrics
	queue    *queue.Orchestrator

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.DownloadDir); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.platform, err = connectPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	a.onClose(func() {
		lctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.platform.Close(lctx); err != nil {
			slog.Warn("vsphere_logout_failed", "error", err)
		}
	})

	a.repo, err = db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	a.onClose(func() { a.repo.Close() })

	compression, err := archive.ParseCompression(cfg.ArchiveCompression)
	if err != nil {
		return errors.Wrap(err, "config invalid")
	}

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return err
	}

	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize)
	client := transfer.NewClient(transfer.Options{
		Username:           cfg.VCenterUser,
		Password:           cfg.VCenterPassword,
		InsecureSkipVerify: !cfg.VerifySSL,
	})

	a.power = power.NewController(a.platform, cfg.PowerPollInterval, cfg.TaskTimeout)
	pipeline := export.New(
		a.platform,
		a.power,
		transfer.NewDownloader(client, validator, cfg.ChunkSize),
		archive.NewPackager(compression, validator),
		publisher,
		export.Config{
			PowerOffTimeout:   cfg.PowerOffTimeout,
			LeaseTimeout:      cfg.LeaseTimeout,
			LeasePollInterval: cfg.LeasePollInterval,
			KeepLocal:         cfg.KeepLocal,
		},
	)

	var runner queue.Runner = pipeline
	if cfg.FSMDBPath != "" {
		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		a.onClose(func() { manager.Shutdown(10 * time.Second) })

		fr, err := appfsm.NewRunner(ctx, manager, pipeline)
		if err != nil {
			return err
		}
		runner = fr
		slog.Info("fsm_enabled", "path", cfg.FSMDBPath)
	}

	a.metrics = metrics.New()
	sinks := []queue.Sink{a.metrics}

	if cfg.AMQPURL != "" {
		notifier, err := notify.Dial(notify.Config{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		})
		if err != nil {
			return err
		}
		a.onClose(func() { notifier.Close() })
		sinks = append(sinks, notifier)
	}

	a.queue = queue.New(runner, queue.Config{
		DownloadDir:  cfg.DownloadDir,
		HistoryLimit: cfg.HistoryLimit,
	}, queue.WithStore(a.repo), queue.WithSinks(sinks...))
	a.onClose(func() {
		qctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.queue.Close(qctx); err != nil {
			slog.Warn("queue_close_failed", "error", err)
		}
	})
	a.metrics.RegisterQueueDepth(func() int { return len(a.queue.Status().Queue) })

	return nil
}

func (a *app) onClose(f func()) {
	a.closers = append(a.closers, f)
}

// Close releases components in reverse creation order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newPublisher(ctx context.Context, cfg *config.Config) (storage.Publisher, error) {
	target, err := storage.ParseTarget(cfg.PublishTarget)
	if err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	switch target {
	case storage.TargetS3:
		c, err := storage.NewClient(ctx, storage.S3Options{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, errors.Wrap(err, "S3 client failed")
		}
		return c, nil
	case storage.TargetSFTP:
		p, err := storage.NewSFTPPublisher(storage.SFTPOptions{
			Addr:           cfg.SFTPAddr,
			User:           cfg.SFTPUser,
			Password:       cfg.SFTPPassword,
			KeyFile:        cfg.SFTPKeyFile,
			KnownHostsFile: cfg.SFTPKnownHosts,
			Dir:            cfg.SFTPDir,
		})
		if err != nil {
			return nil, errors.Wrap(err, "SFTP publisher failed")
		}
		return p, nil
	}
	return nil, nil
}
