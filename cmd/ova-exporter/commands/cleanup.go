package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ova-exporter/ova-exporter/pkg/archive"
	"github.com/ova-exporter/ova-exporter/pkg/db"
	"github.com/ova-exporter/ova-exporter/pkg/errors"
)

var (
	cleanupDryRun bool
	cleanupKeep   int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftovers of interrupted exports",
	Long: `Removes staging directories (temp_*) and unfinished archives (*.part)
left in the download directory by exports that were interrupted.
  --dry-run     Only print what would be removed
  --keep <n>    Also prune the export history to the newest n records`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Only print what would be removed")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "Prune history to the newest n records (0 keeps everything)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("🔍 Scanning %s for leftovers...\n", cfg.DownloadDir)

	removed, err := removeStagingArtifacts(cfg.DownloadDir, cleanupDryRun)
	if err != nil {
		return err
	}
	if cleanupDryRun {
		fmt.Printf("✅ %d leftovers would be removed\n", removed)
	} else {
		fmt.Printf("✅ Removed %d leftovers\n", removed)
	}

	if cleanupKeep <= 0 || cleanupDryRun {
		return nil
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	n, err := repo.Prune(context.Background(), cleanupKeep)
	if err != nil {
		return errors.Wrap(err, "prune failed")
	}
	fmt.Printf("🗑️  Pruned %d history records\n", n)
	return nil
}

// removeStagingArtifacts removes staging leftovers from root and its date
// directories. Finished archives are never touched.
func removeStagingArtifacts(root string, dryRun bool) (int, error) {
	dateDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to read download directory")
	}

	dirs := []string{root}
	for _, e := range dateDirs {
		if e.IsDir() && !archive.IsStagingArtifact(e.Name(), true) {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}

	removed := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			fmt.Printf("⚠️  Failed to read %s: %v\n", dir, err)
			continue
		}
		for _, e := range entries {
			if !archive.IsStagingArtifact(e.Name(), e.IsDir()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if dryRun {
				fmt.Printf("   would remove %s\n", path)
				removed++
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				fmt.Printf("⚠️  Failed to remove %s: %v\n", path, err)
				continue
			}
			fmt.Printf("🗑️  Removed %s\n", path)
			removed++
		}
	}
	return removed, nil
}
