package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/banshee-data/depthkit/internal/sensorerr"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	for _, d := range []string{safeDir, unsafeDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(unsafeDir, "secret.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Symlink(unsafeDir, filepath.Join(safeDir, "evil-symlink")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name      string
		path      string
		wantError bool
	}{
		{"file in directory", filepath.Join(safeDir, "backup-1.db"), false},
		{"nested new file", filepath.Join(safeDir, "a", "b", "backup.db"), false},
		{"dot-dot escape", filepath.Join(safeDir, "..", "unsafe", "secret.db"), true},
		{"symlinked existing file", filepath.Join(safeDir, "evil-symlink", "secret.db"), true},
		{"symlinked new file", filepath.Join(safeDir, "evil-symlink", "new.db"), true},
		{"the directory itself", safeDir, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, safeDir)
			if (err != nil) != tt.wantError {
				t.Fatalf("ValidatePathWithinDirectory(%s) error = %v, wantError %v", tt.path, err, tt.wantError)
			}
			if err != nil && !sensorerr.HasCode(err, sensorerr.FileWriteInvalidFileName) {
				t.Errorf("error %v lacks FileWriteInvalidFileName", err)
			}
		})
	}

	if err := ValidatePathWithinDirectory(filepath.Join(safeDir, "x.db"), filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("expected error for a missing safe directory")
	}
}

func TestCheckOutputFile(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path      string
		wantError bool
	}{
		{filepath.Join(dir, "sync.png"), false},
		{filepath.Join(dir, "sync"), true},
		{"", true},
		{dir, true},
		{filepath.Join(dir, "missing", "sync.png"), true},
	}
	for _, tt := range tests {
		err := CheckOutputFile(tt.path)
		if (err != nil) != tt.wantError {
			t.Errorf("CheckOutputFile(%q) error = %v, wantError %v", tt.path, err, tt.wantError)
		}
		if err != nil && !sensorerr.HasCode(err, sensorerr.FileWriteInvalidFileName) {
			t.Errorf("CheckOutputFile(%q) error %v lacks FileWriteInvalidFileName", tt.path, err)
		}
	}
}

func TestCheckInputFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "cal.json")
	if err := os.WriteFile(file, []byte("[]"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := CheckInputFile(file); err != nil {
		t.Errorf("CheckInputFile(existing) = %v", err)
	}
	for _, p := range []string{filepath.Join(dir, "missing.json"), dir} {
		err := CheckInputFile(p)
		if !sensorerr.HasCode(err, sensorerr.FileNoSuchFile) {
			t.Errorf("CheckInputFile(%s) = %v, want FileNoSuchFile", p, err)
		}
	}
}
