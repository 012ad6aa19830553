package commands

import (
	"os"
	"path/filepath"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
)

// ensureDirectories creates the directories the exporter writes to
func ensureDirectories(sqlitePath, fsmDBPath, downloadDir string) error {
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// FSM state is only kept when enabled
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if downloadDir != "" {
		if err := os.MkdirAll(downloadDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create download directory")
		}
	}

	return nil
}
