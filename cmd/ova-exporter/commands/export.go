package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

var exportNoPowerOff bool

var exportCmd = &cobra.Command{
	Use:   "export <vm-name>...",
	Short: "Export VMs as OVA archives and wait for them to finish",
	Long: `Queues one export per VM and runs them in order. Each VM is powered off
first unless --no-poweroff is given, in which case it must already be off.
Interrupting the command aborts the running export.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().BoolVar(&exportNoPowerOff, "no-poweroff", false, "Do not power off VMs before export")
}

func runExport(cmd *cobra.Command, args []string) error {
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

	events, unsubscribe := a.queue.Subscribe()
	defer unsubscribe()

	opts := job.DefaultOptions()
	opts.PowerOffBeforeExport = !exportNoPowerOff

	jobs, err := a.queue.Enqueue(args, opts)
	if err != nil {
		return err
	}
	fmt.Printf("📦 %d VM(s) added to the queue\n", len(jobs))

	idle := make(chan error, 1)
	go func() { idle <- a.queue.WaitIdle(ctx) }()

	for done := false; !done; {
		select {
		case ev := <-events:
			printEvent(ev)
		case err := <-idle:
			if err != nil {
				fmt.Println("⚠️  Interrupted, aborting the running export")
				return err
			}
			done = true
		}
	}
drain:
	for {
		select {
		case ev := <-events:
			printEvent(ev)
		default:
			break drain
		}
	}

	failed := 0
	for _, j := range jobs {
		rec, err := a.repo.Get(ctx, j.ID)
		if err != nil {
			return errors.Wrap(err, "failed to read export result")
		}
		if rec == nil || rec.Status != job.StatusCompleted {
			failed++
			continue
		}
		fmt.Printf("📁 %s\n", outputLocation(rec))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d exports did not complete", failed, len(jobs))
	}
	return nil
}

func outputLocation(j *job.Job) string {
	if j.PublishedTo != "" {
		return j.PublishedTo
	}
	return j.OutputPath
}

func printEvent(ev job.Event) {
	switch ev.Type {
	case job.EventStatus:
		fmt.Printf("▶️  %s: %s\n", ev.VMName, ev.Status)
	case job.EventProgress:
		fmt.Printf("   %s: %3d%% %s\n", ev.VMName, ev.Progress, ev.Message)
	case job.EventFinished:
		switch ev.Status {
		case job.StatusCompleted:
			fmt.Printf("✅ %s: %s\n", ev.VMName, ev.Message)
		default:
			fmt.Printf("❌ %s: %s %s\n", ev.VMName, ev.Status, ev.Error)
		}
	}
}
