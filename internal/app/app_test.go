package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/eisenhower/internal/ai"
	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/kv"
	"github.com/nhle/eisenhower/internal/model"
	"github.com/nhle/eisenhower/internal/store"
)

func testConfig(t *testing.T) *model.AppConfig {
	t.Helper()
	cfg := model.DefaultAppConfig()
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func TestNew_PersistsAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, a.Persistent)
	assert.Equal(t, blob.StateReady, a.Attachments.State())

	task, err := a.Tasks.Add(store.NewTask{Title: "write report", Priority: model.PriorityUrgent})
	require.NoError(t, err)
	_, err = a.Tasks.AddImage(ctx, task.ID, blob.File{Name: "a.png", Data: []byte("\x89PNG\r\n\x1a\n")})
	require.NoError(t, err)
	p, err := a.Projects.Add(store.NewProject{Name: "work"})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(ctx))

	_, err = os.Stat(cfg.Storage.StatePath())
	require.NoError(t, err)
	_, err = os.Stat(cfg.Storage.AttachmentPath())
	require.NoError(t, err)

	b, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(ctx) })

	got, ok := b.Tasks.Get(task.ID)
	require.True(t, ok)
	assert.Len(t, got.Images, 1)
	_, ok = b.Projects.Get(p.ID)
	assert.True(t, ok)

	owned, err := b.Attachments.GetAllByParent(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestNew_Ephemeral(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, WithEphemeral())
	require.NoError(t, err)
	assert.False(t, a.Persistent)

	_, err = a.Tasks.Add(store.NewTask{Title: "t", Priority: model.PriorityDelegate})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, a.Shutdown(ctx), "second shutdown is a no-op")

	_, err = os.Stat(cfg.Storage.StatePath())
	assert.True(t, os.IsNotExist(err), "ephemeral mode never touches the data dir")
}

// readOnlyBackend reads like a memory backend but rejects every write.
type readOnlyBackend struct {
	*kv.MemoryBackend
}

func (readOnlyBackend) Set(string, string) error {
	return errors.New("read-only file system")
}

func TestNew_UnwritableStateFallsBackToSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, WithBackend(readOnlyBackend{kv.NewMemoryBackend(0)}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	assert.False(t, a.Persistent)
	task, err := a.Tasks.Add(store.NewTask{Title: "still works", Priority: model.PriorityUrgent})
	require.NoError(t, err)
	_, ok := a.Tasks.Get(task.ID)
	assert.True(t, ok)
	assert.Empty(t, a.Tasks.State().Error)

	_, err = os.Stat(cfg.Storage.AttachmentPath())
	assert.True(t, os.IsNotExist(err), "session mode keeps attachments out of the data dir")
}

func TestNew_UnopenableStateFallsBackToSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	blocker := filepath.Join(cfg.Storage.DataDir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Storage.DataDir = filepath.Join(blocker, "data")

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	assert.False(t, a.Persistent)
	_, err = a.Tasks.Add(store.NewTask{Title: "t", Priority: model.PriorityDelegate})
	assert.NoError(t, err)
}

type fixedClassifier map[string]string

func (f fixedClassifier) Classify(_ context.Context, tasks []ai.TaskInput) (map[string]string, error) {
	out := make(map[string]string, len(tasks))
	for _, t := range tasks {
		if p, ok := f[t.Title]; ok {
			out[t.ID] = p
		}
	}
	return out, nil
}

func TestApp_Classifier(t *testing.T) {
	ctx := context.Background()

	a, err := New(ctx, testConfig(t), WithEphemeral())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown(ctx) })

	c, err := a.Classifier()
	require.NoError(t, err)
	assert.IsType(t, &ai.HTTPClassifier{}, c)

	stub := fixedClassifier{"pay taxes": "important"}
	b, err := New(ctx, testConfig(t), WithEphemeral(), WithClassifier(stub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown(ctx) })

	_, err = b.Tasks.Add(store.NewTask{Title: "pay taxes", Priority: model.PriorityUnclassified})
	require.NoError(t, err)
	c, err = b.Classifier()
	require.NoError(t, err)
	report, err := b.Tasks.Classify(ctx, c)
	require.NoError(t, err)
	assert.Len(t, report.Applied, 1)
}

func TestLifecycle_ReverseOrderJoinsErrors(t *testing.T) {
	l := NewLifecycle(0, nil)

	var order []string
	errA := errors.New("a failed")
	l.Register("a", func(context.Context) error {
		order = append(order, "a")
		return errA
	})
	l.Register("nil", nil)
	l.Register("b", func(context.Context) error {
		order = append(order, "b")
		return nil
	})

	err := l.Shutdown(context.Background())
	assert.ErrorIs(t, err, errA)
	assert.Equal(t, []string{"b", "a"}, order)
}
