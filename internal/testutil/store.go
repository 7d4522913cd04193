// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"

	"FilingScanner/internal/infrastructure/storage"
)

// OpenStore returns a migrated in-memory SQLite store closed at test cleanup.
func OpenStore(t testing.TB) *storage.Store {
	t.Helper()

	s, err := storage.Open(context.Background(), "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

// OpenBlobs returns a filesystem blob store rooted in a temporary directory.
func OpenBlobs(t testing.TB) *storage.FSBlobStore {
	t.Helper()

	b, err := storage.NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}
	return b
}
