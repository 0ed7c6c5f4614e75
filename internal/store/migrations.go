package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/eisenhower/internal/model"
)

// Current envelope versions, one per persisted key kind.
const (
	tasksVersion     = 2
	selectionVersion = 1
	projectsVersion  = 1
	notesVersion     = 1
)

// errPersist is returned when the adapter refused a write.
var errPersist = errors.New("persisting state failed")

// envelope is the persisted layout of every key: {"state": ..., "version": N}.
type envelope struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// migration upgrades a state payload to version from version-1.
type migration struct {
	version int
	apply   func(state json.RawMessage) (json.RawMessage, error)
}

// taskMigrations is the ordered list of task-state upgrades.
// Each migration's version must be sequential starting from 2.
var taskMigrations = []migration{
	{version: 2, apply: migrateTaskImageIDs},
}

// migrateTaskImageIDs converts version 1 tasks, which kept bare
// "imageIds", to image references.
func migrateTaskImageIDs(state json.RawMessage) (json.RawMessage, error) {
	var s struct {
		Tasks []map[string]json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, err
	}

	for _, t := range s.Tasks {
		raw, ok := t["imageIds"]
		if !ok {
			continue
		}
		delete(t, "imageIds")

		var ids []string
		if err := json.Unmarshal(raw, &ids); err != nil || len(ids) == 0 {
			continue
		}
		refs := make([]model.ImageRef, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, model.ImageRef{ID: id})
		}
		b, err := json.Marshal(refs)
		if err != nil {
			return nil, err
		}
		t["images"] = b
	}
	return json.Marshal(s)
}

// Diagnostic describes one problem found while loading persisted state.
type Diagnostic struct {
	Key string
	// Index is the position of the offending entry, or -1 when the whole
	// key is affected.
	Index  int
	ID     string
	Reason string
	// Dropped is false when the entry was repaired and kept.
	Dropped bool
}

func (d Diagnostic) String() string {
	var sb strings.Builder
	sb.WriteString(d.Key)
	if d.Index >= 0 {
		fmt.Fprintf(&sb, "[%d]", d.Index)
	}
	if d.ID != "" {
		fmt.Fprintf(&sb, " (%s)", d.ID)
	}
	sb.WriteString(": ")
	sb.WriteString(d.Reason)
	if d.Dropped {
		sb.WriteString(", dropped")
	} else {
		sb.WriteString(", repaired")
	}
	return sb.String()
}

func keyDiagnostic(key, reason string) Diagnostic {
	return Diagnostic{Key: key, Index: -1, Reason: reason, Dropped: true}
}

// readEnvelope loads key and upgrades its state to current. found is false
// when the key is absent or unusable; unusable keys yield a diagnostic.
func readEnvelope(p Persister, key string, current int, migs []migration) (json.RawMessage, []Diagnostic, bool) {
	raw, ok := p.Get(key)
	if !ok {
		return nil, nil, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, []Diagnostic{keyDiagnostic(key, fmt.Sprintf("malformed envelope: %v", err))}, false
	}
	if len(env.State) == 0 || string(env.State) == "null" {
		return nil, []Diagnostic{keyDiagnostic(key, "envelope has no state")}, false
	}
	if env.Version > current {
		return nil, []Diagnostic{keyDiagnostic(key, fmt.Sprintf("unsupported version %d", env.Version))}, false
	}

	state := env.State
	for _, m := range migs {
		if m.version <= env.Version || m.version > current {
			continue
		}
		next, err := m.apply(state)
		if err != nil {
			return nil, []Diagnostic{keyDiagnostic(key, fmt.Sprintf("migrating to version %d: %v", m.version, err))}, false
		}
		state = next
	}
	return state, nil, true
}

// writeEnvelope serializes state under key.
func writeEnvelope(p Persister, key string, version int, state any) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	raw, err := json.Marshal(envelope{State: body, Version: version})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if !p.Set(key, string(raw)) {
		return fmt.Errorf("writing %s: %w", key, errPersist)
	}
	return nil
}

// --- persisted state layouts ---

type tasksState struct {
	Tasks []model.Task `json:"tasks"`
}

type selectionState struct {
	SelectedTaskIDs []string  `json:"selectedTaskIds"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type projectsState struct {
	Projects          []model.Project `json:"projects"`
	SelectedProjectID string          `json:"selectedProjectId,omitempty"`
}

type notesState struct {
	Notes []model.Note `json:"notes"`
}

// entries splits a state object's list field so one bad element cannot
// spoil the rest.
func entries(key string, state json.RawMessage, field string) ([]json.RawMessage, []Diagnostic) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(state, &obj); err != nil {
		return nil, []Diagnostic{keyDiagnostic(key, fmt.Sprintf("malformed state: %v", err))}
	}
	raw, ok := obj[field]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, []Diagnostic{keyDiagnostic(key, fmt.Sprintf("malformed %s: %v", field, err))}
	}
	return list, nil
}

// validateTasks decodes and checks every persisted task. Entries missing
// an id, title, valid priority or either timestamp are dropped.
func validateTasks(key string, state json.RawMessage) ([]model.Task, []Diagnostic) {
	list, diags := entries(key, state, "tasks")

	tasks := make([]model.Task, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, raw := range list {
		drop := func(id, reason string) {
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: id, Reason: reason, Dropped: true})
		}

		var t model.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			drop("", fmt.Sprintf("malformed task: %v", err))
			continue
		}
		switch {
		case t.ID == "":
			drop("", "missing id")
			continue
		case seen[t.ID]:
			drop(t.ID, "duplicate id")
			continue
		case strings.TrimSpace(t.Title) == "":
			drop(t.ID, "missing title")
			continue
		case t.Priority == "":
			drop(t.ID, "missing priority")
			continue
		case !t.Priority.Valid():
			drop(t.ID, fmt.Sprintf("unknown priority %q", t.Priority))
			continue
		case t.CreatedAt.IsZero():
			drop(t.ID, "missing createdAt")
			continue
		case t.UpdatedAt.IsZero():
			drop(t.ID, "missing updatedAt")
			continue
		}
		if t.UpdatedAt.Before(t.CreatedAt) {
			t.UpdatedAt = t.CreatedAt
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: t.ID, Reason: "updatedAt before createdAt"})
		}
		if len(t.Images) == 0 {
			t.Images = nil
		}

		seen[t.ID] = true
		tasks = append(tasks, t)
	}
	return tasks, diags
}

// validateProjects drops projects without an id, name or timestamps.
func validateProjects(key string, state json.RawMessage) ([]model.Project, []Diagnostic) {
	list, diags := entries(key, state, "projects")

	projects := make([]model.Project, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, raw := range list {
		drop := func(id, reason string) {
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: id, Reason: reason, Dropped: true})
		}

		var p model.Project
		if err := json.Unmarshal(raw, &p); err != nil {
			drop("", fmt.Sprintf("malformed project: %v", err))
			continue
		}
		switch {
		case p.ID == "":
			drop("", "missing id")
			continue
		case seen[p.ID]:
			drop(p.ID, "duplicate id")
			continue
		case strings.TrimSpace(p.Name) == "":
			drop(p.ID, "missing name")
			continue
		case p.CreatedAt.IsZero() || p.UpdatedAt.IsZero():
			drop(p.ID, "missing timestamps")
			continue
		}
		if p.UpdatedAt.Before(p.CreatedAt) {
			p.UpdatedAt = p.CreatedAt
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: p.ID, Reason: "updatedAt before createdAt"})
		}

		seen[p.ID] = true
		projects = append(projects, p)
	}
	return projects, diags
}

// validateNotes drops notes without an id or with unparseable timestamps.
func validateNotes(key string, state json.RawMessage) ([]model.Note, []Diagnostic) {
	list, diags := entries(key, state, "notes")

	notes := make([]model.Note, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, raw := range list {
		drop := func(id, reason string) {
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: id, Reason: reason, Dropped: true})
		}

		var n model.Note
		if err := json.Unmarshal(raw, &n); err != nil {
			drop("", fmt.Sprintf("malformed note: %v", err))
			continue
		}
		if n.ID == "" {
			drop("", "missing id")
			continue
		}
		if seen[n.ID] {
			drop(n.ID, "duplicate id")
			continue
		}
		created, err := model.ParseTimestamp(n.CreatedAt)
		if err != nil {
			drop(n.ID, "missing createdAt")
			continue
		}
		updated, err := model.ParseTimestamp(n.UpdatedAt)
		if err != nil {
			drop(n.ID, "missing updatedAt")
			continue
		}
		if updated.Before(created) {
			n.UpdatedAt = n.CreatedAt
			diags = append(diags, Diagnostic{Key: key, Index: i, ID: n.ID, Reason: "updatedAt before createdAt"})
		}

		seen[n.ID] = true
		notes = append(notes, n)
	}
	return notes, diags
}
