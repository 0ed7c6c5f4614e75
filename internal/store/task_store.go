package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/ai"
	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/model"
)

// NewTask holds the caller-supplied fields of a task. ID and timestamps are
// assigned by the store.
type NewTask struct {
	Title       string
	Description string
	Priority    model.Priority
	ProjectID   string
	DueDate     *time.Time
}

// TaskPatch lists the fields Update changes. Nil fields are left alone.
type TaskPatch struct {
	Title        *string
	Description  *string
	Priority     *model.Priority
	ProjectID    *string
	DueDate      *time.Time
	ClearDueDate bool
	Completed    *bool
}

// TaskState is a snapshot of the task store.
type TaskState struct {
	Tasks    []model.Task
	Selected []string
	Filter   model.TaskFilter
	// Error is the message of the last failed action, or empty.
	Error string
}

// ClassificationReport describes how a classification mapping was applied.
type ClassificationReport struct {
	// Applied lists the tasks whose priority was set.
	Applied []string
	// Unknown lists IDs in the mapping that match no task.
	Unknown []string
	// Invalid lists tasks whose suggested value was not a quadrant.
	Invalid []string
}

// dirty marks which keys an action must write.
type dirty int

const (
	dirtyTasks dirty = 1 << iota
	dirtySelection
)

// TaskStore owns the task collection, the selection set and the filter.
// Every action is atomic with respect to the others.
type TaskStore struct {
	kv          Persister
	attachments Attachments
	keys        keyspace
	now         func() time.Time
	logger      *zap.Logger

	mu          sync.Mutex
	tasks       []model.Task
	index       map[string]int
	selected    map[string]struct{}
	selectionAt time.Time
	filter      model.TaskFilter
	err         error

	subs subscribers[TaskState]
}

// NewTaskStore creates an empty task store. Call Load to read persisted
// state. attachments may be nil, in which case image actions fail and
// deletions skip the attachment cascade.
func NewTaskStore(kv Persister, attachments Attachments, opts ...Option) *TaskStore {
	o := buildOptions(opts)
	return &TaskStore{
		kv:          kv,
		attachments: attachments,
		keys:        keyspace{ns: o.namespace},
		now:         o.now,
		logger:      o.logger.With(zap.String("store", "tasks")),
		index:       make(map[string]int),
		selected:    make(map[string]struct{}),
		filter:      model.DefaultTaskFilter(),
	}
}

// Load replaces the in-memory state with what is persisted. Invalid
// entries are dropped and reported; selected IDs that no longer match a
// task are discarded.
func (s *TaskStore) Load() []Diagnostic {
	var diags []Diagnostic
	var tasks []model.Task

	if state, d, ok := readEnvelope(s.kv, s.keys.tasks(), tasksVersion, taskMigrations); ok {
		var vd []Diagnostic
		tasks, vd = validateTasks(s.keys.tasks(), state)
		diags = append(diags, d...)
		diags = append(diags, vd...)
	} else {
		diags = append(diags, d...)
	}

	var sel selectionState
	if state, d, ok := readEnvelope(s.kv, s.keys.selection(), selectionVersion, nil); ok {
		if err := json.Unmarshal(state, &sel); err != nil {
			diags = append(diags, keyDiagnostic(s.keys.selection(), fmt.Sprintf("malformed state: %v", err)))
		}
	} else {
		diags = append(diags, d...)
	}

	s.mu.Lock()
	s.tasks = tasks
	s.reindexLocked()
	s.selected = make(map[string]struct{}, len(sel.SelectedTaskIDs))
	for _, id := range sel.SelectedTaskIDs {
		if _, ok := s.index[id]; ok {
			s.selected[id] = struct{}{}
		}
	}
	s.selectionAt = sel.UpdatedAt
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, d := range diags {
		s.logger.Warn("persisted task state repaired", zap.String("diagnostic", d.String()))
	}
	s.subs.notify(snap)
	return diags
}

// State returns a snapshot of the store.
func (s *TaskStore) State() TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every action. The
// returned function unregisters it.
func (s *TaskStore) Subscribe(fn func(TaskState)) func() {
	return s.subs.add(fn)
}

// Tasks returns every task in insertion order.
func (s *TaskStore) Tasks() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTasks(s.tasks)
}

// Get returns the task with id.
func (s *TaskStore) Get(id string) (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return model.Task{}, false
	}
	return s.tasks[i].Clone(), true
}

// Add creates a task. An empty priority means unclassified.
func (s *TaskStore) Add(in NewTask) (model.Task, error) {
	var created model.Task
	err := s.mutate(func() (dirty, error) {
		t, err := s.newTaskLocked(in)
		if err != nil {
			return 0, err
		}
		s.appendLocked(t)
		created = t.Clone()
		return dirtyTasks, nil
	})
	return created, err
}

// AddDraft creates a task and moves every attachment saved under draftID
// to it, recording the references on the task. A failed transfer is
// logged and reported but does not undo the creation.
func (s *TaskStore) AddDraft(ctx context.Context, in NewTask, draftID string) (model.Task, TransferOutcome, error) {
	id := uuid.NewString()
	outcome := TransferOutcome{From: draftID, To: id}

	var refs []model.ImageRef
	if draftID != "" && s.attachments != nil {
		outcome.Moved, outcome.Err = s.attachments.ReassignOwner(ctx, draftID, id)
		if outcome.Err == nil && outcome.Moved > 0 {
			owned, err := s.attachments.GetAllByParent(ctx, id)
			if err != nil {
				outcome.Err = err
			}
			for _, a := range owned {
				refs = append(refs, a.Ref())
			}
		}
		if outcome.Err != nil {
			s.logger.Warn("attachment transfer failed",
				zap.String("from", draftID),
				zap.String("to", id),
				zap.Error(outcome.Err),
			)
		}
	}

	var created model.Task
	err := s.mutate(func() (dirty, error) {
		t, err := s.newTaskLocked(in)
		if err != nil {
			return 0, err
		}
		t.ID = id
		t.Images = refs
		s.appendLocked(t)
		created = t.Clone()
		return dirtyTasks, nil
	})
	return created, outcome, err
}

// Update applies patch to the task with id.
func (s *TaskStore) Update(id string, patch TaskPatch) (model.Task, error) {
	var updated model.Task
	err := s.mutate(func() (dirty, error) {
		i, ok := s.index[id]
		if !ok {
			return 0, fmt.Errorf("updating task %s: %w", id, ErrNotFound)
		}
		t := s.tasks[i].Clone()

		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return 0, fmt.Errorf("task title must not be empty: %w", ErrInvalidInput)
			}
			t.Title = title
		}
		if patch.Description != nil {
			t.Description = *patch.Description
		}
		if patch.Priority != nil {
			if !patch.Priority.Valid() {
				return 0, fmt.Errorf("unknown priority %q: %w", *patch.Priority, ErrInvalidInput)
			}
			t.Priority = *patch.Priority
		}
		if patch.ProjectID != nil {
			t.ProjectID = *patch.ProjectID
		}
		switch {
		case patch.ClearDueDate:
			t.DueDate = nil
		case patch.DueDate != nil:
			d := patch.DueDate.UTC()
			t.DueDate = &d
		}
		if patch.Completed != nil {
			t.Completed = *patch.Completed
		}

		t.UpdatedAt = stamp(s.now, t.UpdatedAt)
		s.tasks[i] = t
		updated = t.Clone()
		return dirtyTasks, nil
	})
	return updated, err
}

// Delete removes the task, drops it from the selection and then deletes
// every attachment it owns. The task is gone even when some attachment
// deletions fail; the result lists them.
func (s *TaskStore) Delete(ctx context.Context, id string) (blob.Result, error) {
	var owned bool
	err := s.mutate(func() (dirty, error) {
		i, ok := s.index[id]
		if !ok {
			return 0, fmt.Errorf("deleting task %s: %w", id, ErrNotFound)
		}
		owned = len(s.tasks[i].Images) > 0
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		s.reindexLocked()

		d := dirtyTasks
		if _, ok := s.selected[id]; ok {
			delete(s.selected, id)
			d |= dirtySelection
		}
		return d, nil
	})
	if err != nil {
		return blob.Result{}, err
	}

	// Every attachment a task owns is referenced from Images, so a task
	// without references has nothing to cascade.
	if s.attachments == nil || !owned {
		return blob.Result{Status: blob.StatusSucceeded}, nil
	}
	res := s.attachments.DeleteAllByParent(ctx, id)
	if !res.OK() {
		s.logger.Warn("attachment cascade incomplete",
			zap.String("task_id", id),
			zap.Stringer("status", res.Status),
			zap.Error(res.Err()),
		)
	}
	return res, nil
}

// Move puts the task in another bucket.
func (s *TaskStore) Move(id string, p model.Priority) error {
	return s.mutate(func() (dirty, error) {
		if !p.Valid() {
			return 0, fmt.Errorf("unknown priority %q: %w", p, ErrInvalidInput)
		}
		i, ok := s.index[id]
		if !ok {
			return 0, fmt.Errorf("moving task %s: %w", id, ErrNotFound)
		}
		s.tasks[i].Priority = p
		s.tasks[i].UpdatedAt = stamp(s.now, s.tasks[i].UpdatedAt)
		return dirtyTasks, nil
	})
}

// ToggleCompletion flips the task's completed flag.
func (s *TaskStore) ToggleCompletion(id string) error {
	return s.mutate(func() (dirty, error) {
		i, ok := s.index[id]
		if !ok {
			return 0, fmt.Errorf("toggling task %s: %w", id, ErrNotFound)
		}
		s.tasks[i].Completed = !s.tasks[i].Completed
		s.tasks[i].UpdatedAt = stamp(s.now, s.tasks[i].UpdatedAt)
		return dirtyTasks, nil
	})
}

// Select adds id to the selection. Selecting twice is a no-op.
func (s *TaskStore) Select(id string) error {
	return s.mutate(func() (dirty, error) {
		if _, ok := s.index[id]; !ok {
			return 0, fmt.Errorf("selecting task %s: %w", id, ErrNotFound)
		}
		if _, ok := s.selected[id]; ok {
			return 0, nil
		}
		s.selected[id] = struct{}{}
		return dirtySelection, nil
	})
}

// Deselect removes id from the selection. Unknown IDs are ignored.
func (s *TaskStore) Deselect(id string) error {
	return s.mutate(func() (dirty, error) {
		if _, ok := s.selected[id]; !ok {
			return 0, nil
		}
		delete(s.selected, id)
		return dirtySelection, nil
	})
}

// ClearSelection empties the selection.
func (s *TaskStore) ClearSelection() error {
	return s.mutate(func() (dirty, error) {
		if len(s.selected) == 0 {
			return 0, nil
		}
		s.selected = make(map[string]struct{})
		return dirtySelection, nil
	})
}

// SelectedIDs returns the selection in sorted order.
func (s *TaskStore) SelectedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedLocked()
}

// SetFilter replaces the filter. The filter is view state and is not
// persisted.
func (s *TaskStore) SetFilter(f model.TaskFilter) error {
	return s.mutate(func() (dirty, error) {
		if f.Priority == "" {
			f.Priority = model.PriorityAll
		}
		if f.Status == "" {
			f.Status = model.StatusAll
		}
		if f.Priority != model.PriorityAll && !f.Priority.Valid() {
			return 0, fmt.Errorf("unknown priority %q: %w", f.Priority, ErrInvalidInput)
		}
		switch f.Status {
		case model.StatusAll, model.StatusCompleted, model.StatusPending:
		default:
			return 0, fmt.Errorf("unknown status %q: %w", f.Status, ErrInvalidInput)
		}
		s.filter = f
		return 0, nil
	})
}

// Filter returns the current filter.
func (s *TaskStore) Filter() model.TaskFilter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

// Filtered returns the tasks that pass the current filter.
func (s *TaskStore) Filtered() []model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, t := range s.tasks {
		if s.filter.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Stats counts the whole collection, ignoring the filter.
func (s *TaskStore) Stats() model.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.ComputeStats(s.tasks)
}

// AddImage saves f as an attachment owned by the task and records the
// reference on it.
func (s *TaskStore) AddImage(ctx context.Context, taskID string, f blob.File) (model.ImageRef, error) {
	if s.attachments == nil {
		return model.ImageRef{}, s.fail(fmt.Errorf("adding image: %w", blob.ErrNotInitialized))
	}
	if _, ok := s.Get(taskID); !ok {
		return model.ImageRef{}, s.fail(fmt.Errorf("adding image to task %s: %w", taskID, ErrNotFound))
	}

	a, err := s.attachments.Save(ctx, taskID, f)
	if err != nil {
		return model.ImageRef{}, s.fail(fmt.Errorf("adding image to task %s: %w", taskID, err))
	}
	ref := a.Ref()

	err = s.mutate(func() (dirty, error) {
		i, ok := s.index[taskID]
		if !ok {
			return 0, fmt.Errorf("adding image to task %s: %w", taskID, ErrNotFound)
		}
		s.tasks[i].Images = append(s.tasks[i].Images, ref)
		s.tasks[i].UpdatedAt = stamp(s.now, s.tasks[i].UpdatedAt)
		return dirtyTasks, nil
	})
	if err != nil {
		// The task went away while the payload was being written.
		if delErr := s.attachments.Delete(ctx, a.ID); delErr != nil {
			s.logger.Warn("orphaned attachment", zap.String("id", a.ID), zap.Error(delErr))
		}
		return model.ImageRef{}, err
	}
	return ref, nil
}

// RemoveImage deletes the attachment and drops its reference from the
// task. Only images the task references can be removed through it. A
// payload that is already gone still has its reference removed.
func (s *TaskStore) RemoveImage(ctx context.Context, taskID, imageID string) error {
	if s.attachments == nil {
		return s.fail(fmt.Errorf("removing image: %w", blob.ErrNotInitialized))
	}
	t, ok := s.Get(taskID)
	if !ok {
		return s.fail(fmt.Errorf("removing image from task %s: %w", taskID, ErrNotFound))
	}
	if !hasImage(t, imageID) {
		return s.fail(fmt.Errorf("removing image %s from task %s: %w", imageID, taskID, ErrNotFound))
	}

	if err := s.attachments.Delete(ctx, imageID); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return s.fail(fmt.Errorf("removing image %s: %w", imageID, err))
	}

	return s.mutate(func() (dirty, error) {
		i, ok := s.index[taskID]
		if !ok {
			return 0, fmt.Errorf("removing image from task %s: %w", taskID, ErrNotFound)
		}
		t := &s.tasks[i]
		kept := t.Images[:0]
		for _, ref := range t.Images {
			if ref.ID != imageID {
				kept = append(kept, ref)
			}
		}
		if len(kept) == len(t.Images) {
			return 0, nil
		}
		if len(kept) == 0 {
			kept = nil
		}
		t.Images = kept
		t.UpdatedAt = stamp(s.now, t.UpdatedAt)
		return dirtyTasks, nil
	})
}

func hasImage(t model.Task, imageID string) bool {
	for _, ref := range t.Images {
		if ref.ID == imageID {
			return true
		}
	}
	return false
}

// ApplyClassification sets priorities from an untrusted mapping of task ID
// to quadrant name. Unknown IDs and values that are not quadrants are
// skipped without error.
func (s *TaskStore) ApplyClassification(mapping map[string]string) ClassificationReport {
	var report ClassificationReport
	_ = s.mutate(func() (dirty, error) {
		report = s.applyLocked(mapping)
		if len(report.Applied) == 0 {
			return 0, nil
		}
		return dirtyTasks, nil
	})
	return report
}

func (s *TaskStore) applyLocked(mapping map[string]string) ClassificationReport {
	var report ClassificationReport

	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		i, ok := s.index[id]
		if !ok {
			report.Unknown = append(report.Unknown, id)
			continue
		}
		p := model.Priority(mapping[id])
		if !p.Classified() {
			report.Invalid = append(report.Invalid, id)
			continue
		}
		s.tasks[i].Priority = p
		s.tasks[i].UpdatedAt = stamp(s.now, s.tasks[i].UpdatedAt)
		report.Applied = append(report.Applied, id)
	}
	return report
}

// Classify sends the selected tasks, or every unclassified task when
// nothing is selected, to c and applies the answer. When the request
// fails nothing changes and the single error is recorded. On success the
// selection is cleared.
func (s *TaskStore) Classify(ctx context.Context, c ai.Classifier) (ClassificationReport, error) {
	s.mu.Lock()
	inputs := s.classificationInputsLocked()
	s.mu.Unlock()

	if len(inputs) == 0 {
		return ClassificationReport{}, nil
	}

	mapping, err := c.Classify(ctx, inputs)
	if err != nil {
		s.logger.Warn("classification failed", zap.Int("tasks", len(inputs)), zap.Error(err))
		return ClassificationReport{}, s.fail(err)
	}

	// Only IDs that were sent may change.
	sent := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		sent[in.ID] = true
	}
	filtered := make(map[string]string, len(mapping))
	var report ClassificationReport
	for id, v := range mapping {
		if sent[id] {
			filtered[id] = v
		} else {
			report.Unknown = append(report.Unknown, id)
		}
	}
	sort.Strings(report.Unknown)

	err = s.mutate(func() (dirty, error) {
		applied := s.applyLocked(filtered)
		report.Applied = applied.Applied
		report.Invalid = applied.Invalid
		report.Unknown = append(report.Unknown, applied.Unknown...)

		d := dirty(0)
		if len(report.Applied) > 0 {
			d |= dirtyTasks
		}
		if len(s.selected) > 0 {
			s.selected = make(map[string]struct{})
			d |= dirtySelection
		}
		return d, nil
	})
	return report, err
}

func (s *TaskStore) classificationInputsLocked() []ai.TaskInput {
	var inputs []ai.TaskInput
	if len(s.selected) > 0 {
		for _, id := range s.selectedLocked() {
			t := s.tasks[s.index[id]]
			inputs = append(inputs, ai.TaskInput{ID: t.ID, Title: t.Title, Description: t.Description})
		}
		return inputs
	}
	for _, t := range s.tasks {
		if t.Priority == model.PriorityUnclassified {
			inputs = append(inputs, ai.TaskInput{ID: t.ID, Title: t.Title, Description: t.Description})
		}
	}
	return inputs
}

// AddClassified classifies drafts and creates them with the suggested
// priorities in one action. Drafts the classifier skips or answers with an
// invalid value are created unclassified. If classification fails no task
// is created.
func (s *TaskStore) AddClassified(ctx context.Context, c ai.Classifier, drafts []NewTask) ([]model.Task, error) {
	if len(drafts) == 0 {
		return nil, nil
	}

	ids := make([]string, len(drafts))
	inputs := make([]ai.TaskInput, len(drafts))
	for i, d := range drafts {
		if strings.TrimSpace(d.Title) == "" {
			return nil, s.fail(fmt.Errorf("task %d: title must not be empty: %w", i, ErrInvalidInput))
		}
		ids[i] = uuid.NewString()
		inputs[i] = ai.TaskInput{ID: ids[i], Title: strings.TrimSpace(d.Title), Description: d.Description}
	}

	mapping, err := c.Classify(ctx, inputs)
	if err != nil {
		s.logger.Warn("classification failed", zap.Int("tasks", len(inputs)), zap.Error(err))
		return nil, s.fail(err)
	}

	var created []model.Task
	err = s.mutate(func() (dirty, error) {
		batch := make([]model.Task, 0, len(drafts))
		for i, d := range drafts {
			d.Priority = model.PriorityUnclassified
			if p := model.Priority(mapping[ids[i]]); p.Classified() {
				d.Priority = p
			}
			t, err := s.newTaskLocked(d)
			if err != nil {
				return 0, err
			}
			t.ID = ids[i]
			batch = append(batch, t)
		}
		for _, t := range batch {
			s.appendLocked(t)
			created = append(created, t.Clone())
		}
		return dirtyTasks, nil
	})
	return created, err
}

// ClearError resets the recorded error.
func (s *TaskStore) ClearError() {
	_ = s.mutate(func() (dirty, error) { return 0, nil })
}

// mutate runs fn under the store lock, records its error, writes the keys
// it marked dirty and notifies subscribers after unlocking.
func (s *TaskStore) mutate(fn func() (dirty, error)) error {
	s.mu.Lock()
	d, err := fn()
	s.err = err
	if err == nil {
		s.persistLocked(d)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
	return err
}

// fail records err as the store error without changing anything else.
func (s *TaskStore) fail(err error) error {
	return s.mutate(func() (dirty, error) { return 0, err })
}

func (s *TaskStore) persistLocked(d dirty) {
	if d&dirtyTasks != 0 {
		state := tasksState{Tasks: s.tasks}
		if state.Tasks == nil {
			state.Tasks = []model.Task{}
		}
		if err := writeEnvelope(s.kv, s.keys.tasks(), tasksVersion, state); err != nil {
			s.logger.Warn("task state kept in memory only", zap.Error(err))
		}
	}
	if d&dirtySelection != 0 {
		s.selectionAt = stamp(s.now, s.selectionAt)
		state := selectionState{SelectedTaskIDs: s.selectedLocked(), UpdatedAt: s.selectionAt}
		if err := writeEnvelope(s.kv, s.keys.selection(), selectionVersion, state); err != nil {
			s.logger.Warn("selection kept in memory only", zap.Error(err))
		}
	}
}

func (s *TaskStore) newTaskLocked(in NewTask) (model.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return model.Task{}, fmt.Errorf("task title must not be empty: %w", ErrInvalidInput)
	}
	p := in.Priority
	if p == "" {
		p = model.PriorityUnclassified
	}
	if !p.Valid() {
		return model.Task{}, fmt.Errorf("unknown priority %q: %w", p, ErrInvalidInput)
	}

	now := s.now().UTC()
	t := model.Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: in.Description,
		Priority:    p,
		ProjectID:   in.ProjectID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.DueDate != nil {
		d := in.DueDate.UTC()
		t.DueDate = &d
	}
	return t, nil
}

func (s *TaskStore) appendLocked(t model.Task) {
	s.tasks = append(s.tasks, t)
	s.index[t.ID] = len(s.tasks) - 1
}

func (s *TaskStore) reindexLocked() {
	s.index = make(map[string]int, len(s.tasks))
	for i, t := range s.tasks {
		s.index[t.ID] = i
	}
}

func (s *TaskStore) selectedLocked() []string {
	ids := make([]string, 0, len(s.selected))
	for id := range s.selected {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *TaskStore) snapshotLocked() TaskState {
	return TaskState{
		Tasks:    cloneTasks(s.tasks),
		Selected: s.selectedLocked(),
		Filter:   s.filter,
		Error:    errString(s.err),
	}
}

func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
