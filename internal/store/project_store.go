package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/model"
)

// NewProject holds the caller-supplied fields of a project.
type NewProject struct {
	Name        string
	Description string
	Icon        string
}

// ProjectPatch lists the fields Update changes. Nil fields are left alone.
type ProjectPatch struct {
	Name        *string
	Description *string
	Icon        *string
}

// ProjectState is a snapshot of the project store.
type ProjectState struct {
	Projects   []model.Project
	SelectedID string
	Error      string
}

// ProjectStore owns the project collection and the single selected
// project.
type ProjectStore struct {
	kv     Persister
	keys   keyspace
	now    func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	projects []model.Project
	selected string
	err      error

	subs subscribers[ProjectState]
}

// NewProjectStore creates an empty project store. Call Load to read
// persisted state.
func NewProjectStore(kv Persister, opts ...Option) *ProjectStore {
	o := buildOptions(opts)
	return &ProjectStore{
		kv:     kv,
		keys:   keyspace{ns: o.namespace},
		now:    o.now,
		logger: o.logger.With(zap.String("store", "projects")),
	}
}

// Load replaces the in-memory state with what is persisted.
func (s *ProjectStore) Load() []Diagnostic {
	var (
		projects []model.Project
		selected string
	)

	state, diags, ok := readEnvelope(s.kv, s.keys.projects(), projectsVersion, nil)
	if ok {
		var vd []Diagnostic
		projects, vd = validateProjects(s.keys.projects(), state)
		diags = append(diags, vd...)

		var sel struct {
			SelectedProjectID string `json:"selectedProjectId"`
		}
		if json.Unmarshal(state, &sel) == nil {
			selected = sel.SelectedProjectID
		}
	}

	s.mu.Lock()
	s.projects = projects
	s.selected = ""
	if selected != "" && s.indexLocked(selected) >= 0 {
		s.selected = selected
	}
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, d := range diags {
		s.logger.Warn("persisted project state repaired", zap.String("diagnostic", d.String()))
	}
	s.subs.notify(snap)
	return diags
}

// State returns a snapshot of the store.
func (s *ProjectStore) State() ProjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every action.
func (s *ProjectStore) Subscribe(fn func(ProjectState)) func() {
	return s.subs.add(fn)
}

// Projects returns every project in insertion order.
func (s *ProjectStore) Projects() []model.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Project(nil), s.projects...)
}

// Get returns the project with id.
func (s *ProjectStore) Get(id string) (model.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return model.Project{}, false
	}
	return s.projects[i], true
}

// Selected returns the selected project, if any.
func (s *ProjectStore) Selected() (model.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(s.selected)
	if s.selected == "" || i < 0 {
		return model.Project{}, false
	}
	return s.projects[i], true
}

// Add creates a project.
func (s *ProjectStore) Add(in NewProject) (model.Project, error) {
	var created model.Project
	err := s.mutate(func() (bool, error) {
		name := strings.TrimSpace(in.Name)
		if name == "" {
			return false, fmt.Errorf("project name must not be empty: %w", ErrInvalidInput)
		}
		now := s.now().UTC()
		created = model.Project{
			ID:          uuid.NewString(),
			Name:        name,
			Description: in.Description,
			Icon:        in.Icon,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.projects = append(s.projects, created)
		return true, nil
	})
	return created, err
}

// Update applies patch to the project with id.
func (s *ProjectStore) Update(id string, patch ProjectPatch) (model.Project, error) {
	var updated model.Project
	err := s.mutate(func() (bool, error) {
		i := s.indexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("updating project %s: %w", id, ErrNotFound)
		}
		p := s.projects[i]
		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return false, fmt.Errorf("project name must not be empty: %w", ErrInvalidInput)
			}
			p.Name = name
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.Icon != nil {
			p.Icon = *patch.Icon
		}
		p.UpdatedAt = stamp(s.now, p.UpdatedAt)
		s.projects[i] = p
		updated = p
		return true, nil
	})
	return updated, err
}

// Delete removes the project. If it was selected the selection is cleared
// in the same step. Tasks and notes that reference it are left alone.
func (s *ProjectStore) Delete(id string) error {
	return s.mutate(func() (bool, error) {
		i := s.indexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("deleting project %s: %w", id, ErrNotFound)
		}
		s.projects = append(s.projects[:i], s.projects[i+1:]...)
		if s.selected == id {
			s.selected = ""
		}
		return true, nil
	})
}

// Select makes id the selected project. An empty id clears the selection.
func (s *ProjectStore) Select(id string) error {
	return s.mutate(func() (bool, error) {
		if id != "" && s.indexLocked(id) < 0 {
			return false, fmt.Errorf("selecting project %s: %w", id, ErrNotFound)
		}
		if s.selected == id {
			return false, nil
		}
		s.selected = id
		return true, nil
	})
}

// mutate runs fn under the lock, records its error, persists when fn
// reports a change and notifies subscribers after unlocking.
func (s *ProjectStore) mutate(fn func() (bool, error)) error {
	s.mu.Lock()
	changed, err := fn()
	s.err = err
	if err == nil && changed {
		s.persistLocked()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
	return err
}

func (s *ProjectStore) persistLocked() {
	state := projectsState{Projects: s.projects, SelectedProjectID: s.selected}
	if state.Projects == nil {
		state.Projects = []model.Project{}
	}
	if err := writeEnvelope(s.kv, s.keys.projects(), projectsVersion, state); err != nil {
		s.logger.Warn("project state kept in memory only", zap.Error(err))
	}
}

func (s *ProjectStore) indexLocked(id string) int {
	for i, p := range s.projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (s *ProjectStore) snapshotLocked() ProjectState {
	return ProjectState{
		Projects:   append([]model.Project(nil), s.projects...),
		SelectedID: s.selected,
		Error:      errString(s.err),
	}
}
