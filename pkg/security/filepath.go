// Package security holds input checks applied to operator-supplied paths.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath = errors.New("invalid file path")
	ErrNotAFile    = errors.New("path is not a regular file")
)

// ValidateFile checks that path names an existing regular file and returns it
// cleaned.
func ValidateFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" || strings.ContainsRune(path, 0) {
		return "", ErrInvalidPath
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, clean)
	}
	return clean, nil
}
