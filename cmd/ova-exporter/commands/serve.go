package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ova-exporter/ova-exporter/pkg/api"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the export API",
	Long: `Connects to the platform and serves the HTTP API:
  GET  /api/vms        list VMs (?power_state=poweredOn)
  POST /api/poweroff   power off one VM
  POST /api/export     queue VM exports
  GET  /api/status     active job, queue and recent history
  POST /api/cancel     discard queued jobs
  GET  /api/history    durable export history
  GET  /api/events     job events as server-sent events
  GET  /metrics        Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", ":5000", "HTTP listen address")
	viper.BindPFlag("listen-addr", serveCmd.Flags().Lookup("listen-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.SetupRouter(api.Dependencies{
		Queue:           a.queue,
		Inventory:       a.platform,
		Power:           a.power,
		History:         a.repo,
		PowerOffTimeout: cfg.PowerOffTimeout,
		Metrics:         a.metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server_starting", "addr", cfg.ListenAddr, "download_dir", cfg.DownloadDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "server failed")
		}
	case <-ctx.Done():
	}

	slog.Info("server_shutting_down")

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "server shutdown failed")
	}

	slog.Info("server_stopped")
	return nil
}
