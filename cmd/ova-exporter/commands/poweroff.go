package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/power"
)

var poweroffCmd = &cobra.Command{
	Use:   "poweroff <vm-name>",
	Short: "Power off a VM, forcing it when the guest does not shut down in time",
	Args:  cobra.ExactArgs(1),
	RunE:  runPowerOff,
}

func init() {
	rootCmd.AddCommand(poweroffCmd)
}

func runPowerOff(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	name := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connectPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	pc := power.NewController(client, cfg.PowerPollInterval, cfg.TaskTimeout)
	outcome, err := pc.EnsurePoweredOff(ctx, name, cfg.PowerOffTimeout)
	if err != nil {
		return errors.Wrap(err, "power off failed")
	}

	switch outcome {
	case power.OutcomeAlreadyOff:
		fmt.Printf("✅ %s was already powered off\n", name)
	case power.OutcomeForced:
		fmt.Printf("⚠️  %s did not shut down in time and was forced off\n", name)
	default:
		fmt.Printf("✅ %s shut down\n", name)
	}
	return nil
}
