package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/kv"
)

// NewTestAdapter returns an adapter over an unlimited in-memory backend,
// scoped to the default namespace.
func NewTestAdapter(t *testing.T) *kv.Adapter {
	t.Helper()
	return kv.New(kv.NewMemoryBackend(0), kv.WithEvictionScope("eisenhower:"))
}

// NewTestSQLiteAdapter returns an adapter over an in-memory SQLite backend
// with all migrations applied. The backend is closed when the test
// completes.
func NewTestSQLiteAdapter(t *testing.T, quota int64) *kv.Adapter {
	t.Helper()

	b, err := kv.NewSQLiteBackend(":memory:", quota)
	if err != nil {
		t.Fatalf("creating test backend: %v", err)
	}

	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("closing test backend: %v", err)
		}
	})

	return kv.New(b, kv.WithEvictionScope("eisenhower:"))
}

// NewTestRepository creates an initialized attachment repository in a
// temporary directory. It automatically closes the repository when the
// test completes.
func NewTestRepository(t *testing.T) *blob.Repository {
	t.Helper()

	r := blob.NewRepository(filepath.Join(t.TempDir(), "attachments.db"))
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("initializing test repository: %v", err)
	}

	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("closing test repository: %v", err)
		}
	})

	return r
}
