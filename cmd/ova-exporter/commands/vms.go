package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/platform"
)

var vmsPowerState string

var vmsCmd = &cobra.Command{
	Use:   "vms",
	Short: "List virtual machines on the platform",
	Args:  cobra.NoArgs,
	RunE:  runVMs,
}

func init() {
	rootCmd.AddCommand(vmsCmd)
	vmsCmd.Flags().StringVar(&vmsPowerState, "power-state", "", "Only list VMs in this state (poweredOn, poweredOff, suspended)")
	vmsCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
}

func runVMs(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := connectPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	vms, err := client.ListVMs(ctx, platform.Filter{PowerState: platform.PowerState(vmsPowerState)})
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if outputFormat != "table" {
		return writeStructured(os.Stdout, outputFormat, vms)
	}

	if len(vms) == 0 {
		fmt.Println("No VMs found")
		return nil
	}

	fmt.Printf("%-40s %-12s %-6s %-10s %-30s\n", "NAME", "POWER", "CPU", "MEMORY", "GUEST OS")
	fmt.Println("--------------------------------------------------------------------------------------------------")

	for _, vm := range vms {
		guest := vm.GuestOS
		if guest == "" {
			guest = "-"
		}
		fmt.Printf("%-40s %-12s %-6d %-10s %-30s\n",
			vm.Name, vm.PowerState, vm.NumCPU, fmt.Sprintf("%d MB", vm.MemoryMB), guest)
	}

	return nil
}
