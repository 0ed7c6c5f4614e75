package blob

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newReadyRepository(t *testing.T) *Repository {
	t.Helper()

	r := NewRepository(filepath.Join(t.TempDir(), "attachments.db"))
	require.NoError(t, r.Init(context.Background()))
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("closing repository: %v", err)
		}
	})
	return r
}

func TestRepository_ConcurrentInitOpensOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "attachments.db")

	var (
		opens   atomic.Int32
		once    sync.Once
		started = make(chan struct{})
		unblock = make(chan struct{})
	)
	r := NewRepository(path, WithOpener(func(p string) (*bolt.DB, error) {
		opens.Add(1)
		once.Do(func() { close(started) })
		<-unblock
		return DefaultOpener(p)
	}))
	t.Cleanup(func() { _ = r.Close() })

	errs := make(chan error, 2)
	go func() { errs <- r.Init(ctx) }()
	<-started
	assert.Equal(t, StateInitializing, r.State())

	// A caller arriving mid-open waits on that open instead of starting one.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Init(waitCtx), context.DeadlineExceeded)
	assert.EqualValues(t, 1, opens.Load())

	go func() { errs <- r.Init(ctx) }()

	close(unblock)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.EqualValues(t, 1, opens.Load())
	assert.Equal(t, StateReady, r.State())

	require.NoError(t, r.Init(ctx))
	assert.EqualValues(t, 1, opens.Load())
}

func TestRepository_InitRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "attachments.db")

	calls := 0
	r := NewRepository(path, WithOpener(func(p string) (*bolt.DB, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("disk unavailable")
		}
		return DefaultOpener(p)
	}))
	t.Cleanup(func() { _ = r.Close() })

	err := r.Init(ctx)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTransaction))
	assert.Equal(t, StateFailed, r.State())

	require.NoError(t, r.Init(ctx))
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, 2, calls)
}

func TestRepository_OperationsBeforeInit(t *testing.T) {
	ctx := context.Background()
	r := NewRepository(filepath.Join(t.TempDir(), "attachments.db"))

	_, err := r.Save(ctx, "task-1", File{Name: "a.png", Data: pngHeader})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInitialized)

	assert.Nil(t, r.GetByID(ctx, "anything"))
	assert.Empty(t, r.GetManyByIDs(ctx, []string{"a", "b"}))

	_, err = r.GetAllByParent(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotInitialized)

	res := r.DeleteAllByParent(ctx, "task-1")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestRepository_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)

	saved, err := r.Save(ctx, "task-1", File{Name: "shot.png", Data: pngHeader})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "task-1", saved.ParentID)
	assert.Equal(t, "image/png", saved.MimeType)
	assert.EqualValues(t, len(pngHeader), saved.Size)

	got := r.GetByID(ctx, saved.ID)
	require.NotNil(t, got)
	assert.Equal(t, pngHeader, got.Data)
	assert.Equal(t, "shot.png", got.Name)

	assert.Nil(t, r.GetByID(ctx, "missing"))
}

func TestRepository_SaveKeepsDeclaredMimeType(t *testing.T) {
	r := newReadyRepository(t)

	saved, err := r.Save(context.Background(), "note-1", File{Name: "x", MimeType: "image/webp", Data: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, "image/webp", saved.MimeType)
}

func TestRepository_GetManyByIDs(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)

	a, err := r.Save(ctx, "note-1", File{Name: "a", Data: []byte("a")})
	require.NoError(t, err)
	b, err := r.Save(ctx, "note-2", File{Name: "b", Data: []byte("b")})
	require.NoError(t, err)

	got := r.GetManyByIDs(ctx, []string{a.ID, "missing", b.ID, a.ID})
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[a.ID].Data)
	assert.Equal(t, []byte("b"), got[b.ID].Data)
}

func TestRepository_GetAllByParentOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := NewRepository(filepath.Join(t.TempDir(), "attachments.db"), WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	require.NoError(t, r.Init(ctx))
	t.Cleanup(func() { _ = r.Close() })

	var want []string
	for _, name := range []string{"first", "second", "third"} {
		a, err := r.Save(ctx, "task-1", File{Name: name, Data: []byte(name)})
		require.NoError(t, err)
		want = append(want, a.ID)
	}
	_, err := r.Save(ctx, "task-2", File{Name: "other", Data: []byte("x")})
	require.NoError(t, err)

	got, err := r.GetAllByParent(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, a := range got {
		assert.Equal(t, want[i], a.ID)
	}
}

func TestRepository_Delete(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)

	a, err := r.Save(ctx, "task-1", File{Name: "a", Data: []byte("a")})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, a.ID))
	assert.Nil(t, r.GetByID(ctx, a.ID))

	left, err := r.GetAllByParent(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, left)

	err = r.Delete(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepository_DeleteAllByParent(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)

	for i := 0; i < 3; i++ {
		_, err := r.Save(ctx, "task-1", File{Name: "a", Data: []byte{byte(i)}})
		require.NoError(t, err)
	}
	keep, err := r.Save(ctx, "task-2", File{Name: "keep", Data: []byte("k")})
	require.NoError(t, err)

	res := r.DeleteAllByParent(ctx, "task-1")
	assert.True(t, res.OK())
	assert.Len(t, res.Done, 3)
	assert.NoError(t, res.Err())

	left, err := r.GetAllByParent(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.NotNil(t, r.GetByID(ctx, keep.ID))

	res = r.DeleteAllByParent(ctx, "nobody")
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Empty(t, res.Done)
}

func TestRepository_ReassignOwner(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)
	draft := NewDraftID()

	var ids []string
	for i := 0; i < 2; i++ {
		a, err := r.Save(ctx, draft, File{Name: "img", Data: []byte{byte(i)}})
		require.NoError(t, err)
		ids = append(ids, a.ID)
	}

	n, err := r.ReassignOwner(ctx, draft, "note-9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	fromDraft, err := r.GetAllByParent(ctx, draft)
	require.NoError(t, err)
	assert.Empty(t, fromDraft)

	owned, err := r.GetAllByParent(ctx, "note-9")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	var got []string
	for _, a := range owned {
		assert.Equal(t, "note-9", a.ParentID)
		got = append(got, a.ID)
	}
	assert.ElementsMatch(t, ids, got)

	n, err = r.ReassignOwner(ctx, "no-such-owner", "note-9")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_Stats(t *testing.T) {
	ctx := context.Background()
	r := newReadyRepository(t)

	_, err := r.Save(ctx, "a", File{Name: "1", Data: []byte("12345")})
	require.NoError(t, err)
	_, err = r.Save(ctx, "b", File{Name: "2", Data: []byte("123")})
	require.NoError(t, err)

	s, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Count: 2, TotalBytes: 8, Parents: 2}, s)
}

func TestRepository_UpgradesVersionOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "attachments.db")

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	require.NoError(t, err)
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, 1)
		if err := meta.Put(keySchemaVersion, buf); err != nil {
			return err
		}
		attachments, err := tx.CreateBucket(bucketAttachments)
		if err != nil {
			return err
		}
		payloads, err := tx.CreateBucket(bucketPayloads)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(record{ID: "att-1", ParentID: "task-1", Name: "old", Size: 3})
		if err != nil {
			return err
		}
		if err := attachments.Put([]byte("att-1"), raw); err != nil {
			return err
		}
		return payloads.Put([]byte("att-1"), []byte("old"))
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	r := NewRepository(path)
	require.NoError(t, r.Init(ctx))
	t.Cleanup(func() { _ = r.Close() })

	got, err := r.GetAllByParent(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "att-1", got[0].ID)
	assert.Equal(t, []byte("old"), got[0].Data)

	r.mu.Lock()
	err = r.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keySchemaVersion)
		assert.EqualValues(t, schemaVersion, binary.BigEndian.Uint64(v))
		return nil
	})
	r.mu.Unlock()
	require.NoError(t, err)
}

func TestRepository_CancelledContext(t *testing.T) {
	r := newReadyRepository(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Save(ctx, "task-1", File{Name: "a", Data: []byte("a")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResult_Status(t *testing.T) {
	fault := ItemFault{ID: "x", Err: errors.New("boom")}

	assert.Equal(t, StatusSucceeded, newResult([]string{"a"}, nil).Status)
	assert.Equal(t, StatusPartial, newResult([]string{"a"}, []ItemFault{fault}).Status)
	assert.Equal(t, StatusFailed, newResult(nil, []ItemFault{fault}).Status)
	assert.ErrorContains(t, newResult(nil, []ItemFault{fault}).Err(), "x: boom")
}
