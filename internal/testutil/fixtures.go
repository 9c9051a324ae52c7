package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile writes a fixture file under dir and returns its path.
func WriteFile(t testing.TB, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
	return path
}
