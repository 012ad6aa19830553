package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ova-exporter/ova-exporter/pkg/db"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

var (
	outputFormat string
	historyLimit int
	historyVM    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List finished exports",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of exports to list")
	historyCmd.Flags().StringVar(&historyVM, "vm", "", "Only list exports of this VM")
	historyCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var jobs []job.Job
	if historyVM != "" {
		jobs, err = repo.ListByVM(ctx, historyVM, historyLimit)
	} else {
		jobs, err = repo.Recent(ctx, historyLimit)
	}
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if outputFormat != "table" {
		return writeStructured(os.Stdout, outputFormat, jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No exports found")
		return nil
	}

	fmt.Printf("%-25s %-10s %-20s %-50s\n", "VM", "STATUS", "FINISHED", "OUTPUT")
	fmt.Println("--------------------------------------------------------------------------------------------------------")

	for _, j := range jobs {
		finished := "-"
		if j.FinishedAt != nil {
			finished = j.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		output := outputLocation(&j)
		if j.Status != job.StatusCompleted {
			output = j.Error
		}
		if output == "" {
			output = "-"
		}

		fmt.Printf("%-25s %-10s %-20s %-50s\n", j.VMName, j.Status, finished, output)
	}

	return nil
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	return fmt.Errorf("unknown output format %q", format)
}
