package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/eisenhower/tests/testutil"
)

func TestProjectStore_CRUD(t *testing.T) {
	clock := newFakeClock()
	s := NewProjectStore(testutil.NewTestAdapter(t), WithClock(clock.Now))

	p, err := s.Add(NewProject{Name: " Home ", Icon: "house"})
	require.NoError(t, err)
	assert.Equal(t, "Home", p.Name)
	assert.Equal(t, p.CreatedAt, p.UpdatedAt)

	_, err = s.Add(NewProject{Name: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.NotEmpty(t, s.State().Error)

	clock.Advance(-time.Minute)
	desc := "chores"
	updated, err := s.Update(p.ID, ProjectPatch{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "chores", updated.Description)
	assert.Equal(t, "house", updated.Icon)
	assert.False(t, updated.UpdatedAt.Before(p.UpdatedAt))
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)

	got, ok := s.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, updated, got)

	require.NoError(t, s.Delete(p.ID))
	assert.Empty(t, s.Projects())
	assert.ErrorIs(t, s.Delete(p.ID), ErrNotFound)
}

func TestProjectStore_DeleteClearsSelection(t *testing.T) {
	s := NewProjectStore(testutil.NewTestAdapter(t))

	a, err := s.Add(NewProject{Name: "a"})
	require.NoError(t, err)
	b, err := s.Add(NewProject{Name: "b"})
	require.NoError(t, err)

	require.NoError(t, s.Select(a.ID))
	sel, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, a.ID, sel.ID)

	var states []ProjectState
	s.Subscribe(func(st ProjectState) { states = append(states, st) })

	require.NoError(t, s.Delete(a.ID))
	require.Len(t, states, 1, "delete and selection clear are one update")
	assert.Empty(t, states[0].SelectedID)
	assert.Len(t, states[0].Projects, 1)

	_, ok = s.Selected()
	assert.False(t, ok)

	// Deleting another project keeps the selection.
	require.NoError(t, s.Select(b.ID))
	c, err := s.Add(NewProject{Name: "c"})
	require.NoError(t, err)
	require.NoError(t, s.Delete(c.ID))
	assert.Equal(t, b.ID, s.State().SelectedID)
}

func TestProjectStore_Select(t *testing.T) {
	s := NewProjectStore(testutil.NewTestAdapter(t))

	p, err := s.Add(NewProject{Name: "work"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Select("missing"), ErrNotFound)
	require.NoError(t, s.Select(p.ID))
	require.NoError(t, s.Select(p.ID))
	require.NoError(t, s.Select(""))
	_, ok := s.Selected()
	assert.False(t, ok)
}

func TestProjectStore_PersistenceRoundTrip(t *testing.T) {
	adapter := testutil.NewTestAdapter(t)
	clock := newFakeClock()
	s := NewProjectStore(adapter, WithClock(clock.Now))

	_, err := s.Add(NewProject{Name: "home", Description: "d", Icon: "h"})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	work, err := s.Add(NewProject{Name: "work"})
	require.NoError(t, err)
	require.NoError(t, s.Select(work.ID))

	reloaded := NewProjectStore(adapter)
	assert.Empty(t, reloaded.Load())
	assert.Equal(t, s.Projects(), reloaded.Projects())
	assert.Equal(t, work.ID, reloaded.State().SelectedID)
}

func TestProjectStore_LoadDropsInvalidEntries(t *testing.T) {
	adapter := testutil.NewTestAdapter(t)
	require.True(t, adapter.Set("eisenhower:projects", `{"state":{"projects":[
		{"id":"p1","name":"ok","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"p2","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-01T00:00:00Z"},
		{"id":"p3","name":"no times"}
	],"selectedProjectId":"p2"},"version":1}`))

	s := NewProjectStore(adapter)
	diags := s.Load()
	assert.Len(t, diags, 2)

	projects := s.Projects()
	require.Len(t, projects, 1)
	assert.Equal(t, "p1", projects[0].ID)
	assert.Empty(t, s.State().SelectedID, "selection of a dropped project is discarded")
}
