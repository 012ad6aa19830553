package security

import (
	"testing"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(1024, 1024)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"file.txt", false},
		{"dir/file.txt", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../file.txt", false},
		{"dir/../../etc/passwd", true},
		{"..", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateTargetName(t *testing.T) {
	v := NewValidator(0, 0)

	tests := []struct {
		name      string
		shouldErr bool
	}{
		{"db01.ovf", false},
		{"db01-disk1.vmdk", false},
		{"", true},
		{".", true},
		{"../db01.ovf", true},
		{"disks/db01.vmdk", true},
		{`disks\db01.vmdk`, true},
		{"/var/tmp/db01.vmdk", true},
	}

	for _, tt := range tests {
		err := v.ValidateTargetName(tt.name)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for target name %q", tt.name)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for target name %q: %v", tt.name, err)
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(100, 1000)

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}

	unlimited := NewValidator(0, 0)
	if err := unlimited.ValidateFileSize(1 << 40); err != nil {
		t.Errorf("expected disabled limit, got: %v", err)
	}
}

func TestAddTransferredSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(1024, 500)

	if err := v.AddTransferredSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddTransferredSize(200); err == nil {
		t.Error("expected error when total transfer exceeds limit")
	}

	v.Reset()
	if got := v.GetCurrentTotalSize(); got != 0 {
		t.Errorf("expected counter reset, got %d", got)
	}
}
