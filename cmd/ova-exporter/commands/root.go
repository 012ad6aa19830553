package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "ova-exporter",
	Short: "Export VMs from vSphere/ESXi as OVA archives",
	Long: `Powers off virtual machines, downloads their disks through an export lease
and packages them as OVA archives. Exports run one at a time from a FIFO queue,
either behind the HTTP API (serve) or directly from the command line (export).`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("vcenter-host", "", "vCenter or ESXi host")
	flags.String("vcenter-user", "", "vSphere user")
	flags.Bool("verify-ssl", false, "Verify the platform TLS certificate")
	flags.String("download-dir", "./downloads", "Root directory for export artifacts")
	flags.String("sqlite-path", ".artifacts/exports.db", "SQLite history database path")
	flags.String("fsm-db-path", "", "FSM state directory; empty runs exports without the FSM")
	flags.String("archive-compression", "none", "Archive compression (none, zstd)")
	flags.String("publish-target", "none", "Publish artifacts to none, s3 or sftp")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log format (console, json)")

	for _, name := range []string{
		"vcenter-host",
		"vcenter-user",
		"verify-ssl",
		"download-dir",
		"sqlite-path",
		"fsm-db-path",
		"archive-compression",
		"publish-target",
		"log-level",
		"log-format",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}
