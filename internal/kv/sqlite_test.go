package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, quota int64) *SQLiteBackend {
	t.Helper()

	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"), quota)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("closing backend: %v", err)
		}
	})
	return b
}

func TestSQLiteBackend_CRUD(t *testing.T) {
	b := newTestSQLite(t, 0)

	require.NoError(t, b.Set("b", "2"))
	require.NoError(t, b.Set("a", "1"))
	require.NoError(t, b.Set("a", "11"))

	v, ok, err := b.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "11", v)

	keys, err := b.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	size, err := b.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(len("a11")+len("b2")), size)

	require.NoError(t, b.Remove("a"))
	_, ok, err = b.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteBackend_Quota(t *testing.T) {
	b := newTestSQLite(t, 10)

	require.NoError(t, b.Set("k1", "abcd")) // 6 bytes
	assert.ErrorIs(t, b.Set("k2", "abcd"), ErrQuotaExceeded)
	// Replacing an existing key only counts the new size.
	require.NoError(t, b.Set("k1", "abcdefgh")) // 10 bytes
}

func TestSQLiteBackend_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	b, err := NewSQLiteBackend(path, 0)
	require.NoError(t, err)
	require.NoError(t, b.Set("k", "v"))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path, 0)
	require.NoError(t, err)
	defer b.Close()

	v, ok, err := b.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSQLiteBackend_WithAdapter(t *testing.T) {
	a := New(newTestSQLite(t, 0))
	assert.True(t, a.IsAvailable())
	require.True(t, a.Set("eisenhower:tasks", `{"state":{},"version":1}`))
	v, ok := a.Get("eisenhower:tasks")
	require.True(t, ok)
	assert.Contains(t, v, "version")
}
