package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator guards the files a lease offers before they are written to disk:
// target names must stay inside the staging directory and declared sizes must
// stay under the configured limits.
type Validator struct {
	maxFileSize  int64
	maxTotalSize int64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator. A limit <= 0 disables it.
func NewValidator(maxFileSize, maxTotalSize int64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024)

	return &Validator{
		maxFileSize:  maxFileSize,
		maxTotalSize: maxTotalSize,
	}
}

// ValidatePath checks for path traversal attacks in a relative path.
func (v *Validator) ValidatePath(p string) error {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		slog.Error("security_path_validation_failed", "path", p, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", p)
	}

	clean := filepath.Clean(p)

	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", p, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", p)
	}

	return nil
}

// ValidateTargetName checks a lease target name. It must be a plain file name:
// archive entries are stored flat under their base name.
func (v *Validator) ValidateTargetName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_target_validation_failed", "target", name, "reason", "empty_name")
		return fmt.Errorf("security: invalid target name %q", name)
	}

	if err := v.ValidatePath(name); err != nil {
		return err
	}

	if strings.ContainsAny(name, `/\`) {
		slog.Error("security_target_validation_failed", "target", name, "reason", "nested_path")
		return fmt.Errorf("security: target name must not contain a directory: %s", name)
	}

	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if v.maxFileSize > 0 && size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddTransferredSize tracks the bytes of the current export and checks them
// against the total limit.
func (v *Validator) AddTransferredSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.maxTotalSize > 0 && v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total transfer size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// GetCurrentTotalSize returns the bytes accounted since the last Reset.
func (v *Validator) GetCurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
