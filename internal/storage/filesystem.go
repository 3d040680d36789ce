package storage

import (
	"fmt"
	"os"
)

// EnsureDirectories creates the registry's local working directories.
func EnsureDirectories(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(p, 0o750); err != nil {
			return fmt.Errorf("create directory %q: %w", p, err)
		}
	}
	return nil
}
