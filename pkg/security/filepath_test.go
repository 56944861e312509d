package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(file, []byte("service: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := ValidateFile(filepath.Join(dir, ".", "config.yaml"))
	if err != nil {
		t.Fatalf("ValidateFile() error = %v", err)
	}
	if got != file {
		t.Fatalf("expected cleaned path %s, got %s", file, got)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{name: "empty", path: " ", want: ErrInvalidPath},
		{name: "nul byte", path: "conf\x00ig.yaml", want: ErrInvalidPath},
		{name: "missing", path: filepath.Join(dir, "absent.yaml"), want: ErrInvalidPath},
		{name: "directory", path: dir, want: ErrNotAFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateFile(tt.path); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
