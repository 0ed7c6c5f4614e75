package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/imageref"
	"github.com/nhle/eisenhower/internal/model"
)

// NoteState is a snapshot of the note store.
type NoteState struct {
	// ProjectID is the project whose notes are loaded. Empty with Loaded
	// set means notes without a project.
	ProjectID  string
	Loaded     bool
	Notes      []model.Note
	SelectedID string
	Error      string
}

// AddNoteResult is the outcome of AddNote. Transfer is nil when no draft
// owner was given.
type AddNoteResult struct {
	Note     model.Note
	Transfer *TransferOutcome
}

// NoteStore holds the notes of one project at a time.
type NoteStore struct {
	kv          Persister
	attachments Attachments
	keys        keyspace
	now         func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	projectID string
	loaded    bool
	notes     []model.Note
	selected  string
	err       error

	subs subscribers[NoteState]
}

// NewNoteStore creates an unscoped note store.
func NewNoteStore(kv Persister, attachments Attachments, opts ...Option) *NoteStore {
	o := buildOptions(opts)
	return &NoteStore{
		kv:          kv,
		attachments: attachments,
		keys:        keyspace{ns: o.namespace},
		now:         o.now,
		logger:      o.logger.With(zap.String("store", "notes")),
	}
}

// LoadNotes replaces the collection with the persisted notes of projectID
// and clears the selection.
func (s *NoteStore) LoadNotes(projectID string) []Diagnostic {
	notes, diags := s.readNotes(projectID)

	s.mu.Lock()
	s.projectID = projectID
	s.loaded = true
	s.notes = notes
	s.selected = ""
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, d := range diags {
		s.logger.Warn("persisted notes repaired", zap.String("diagnostic", d.String()))
	}
	s.subs.notify(snap)
	return diags
}

// ClearNotes returns the store to the unscoped state. Call it when the
// view showing notes goes away so a later project never sees stale notes.
func (s *NoteStore) ClearNotes() {
	s.mu.Lock()
	s.projectID = ""
	s.loaded = false
	s.notes = nil
	s.selected = ""
	s.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.subs.notify(snap)
}

// State returns a snapshot of the store.
func (s *NoteStore) State() NoteState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to receive a snapshot after every action.
func (s *NoteStore) Subscribe(fn func(NoteState)) func() {
	return s.subs.add(fn)
}

// Notes returns the loaded notes in insertion order.
func (s *NoteStore) Notes() []model.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Note(nil), s.notes...)
}

// CurrentProjectID returns the scoped project and whether any scope is
// loaded.
func (s *NoteStore) CurrentProjectID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID, s.loaded
}

// Selected returns the selected note, if any, with the same adapter
// fallback as GetNoteByID.
func (s *NoteStore) Selected() (model.Note, bool) {
	s.mu.Lock()
	id := s.selected
	s.mu.Unlock()

	if id == "" {
		return model.Note{}, false
	}
	return s.GetNoteByID(id)
}

// AddNote creates a note in the current project. When tempOwnerID is set,
// attachments saved under it are moved to the new note before the note is
// persisted. A failed transfer is logged and reported in the result; the
// note is created regardless.
func (s *NoteStore) AddNote(ctx context.Context, title, content, tempOwnerID string) (AddNoteResult, error) {
	s.mu.Lock()
	projectID := s.projectID
	s.mu.Unlock()

	now := model.FormatTimestamp(s.now())
	note := model.Note{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var result AddNoteResult
	if tempOwnerID != "" {
		outcome := TransferOutcome{From: tempOwnerID, To: note.ID}
		if s.attachments == nil {
			outcome.Err = blob.ErrNotInitialized
		} else {
			outcome.Moved, outcome.Err = s.attachments.ReassignOwner(ctx, tempOwnerID, note.ID)
		}
		if outcome.Err != nil {
			s.logger.Warn("attachment transfer failed; attachments stay with the draft",
				zap.String("from", tempOwnerID),
				zap.String("note_id", note.ID),
				zap.Error(outcome.Err),
			)
		}
		result.Transfer = &outcome
	}

	err := s.mutate(func() (bool, error) {
		if s.loaded && s.projectID == projectID {
			s.notes = append(s.notes, note)
			return true, nil
		}
		// The scope changed while attachments were moving; write straight
		// to the note's own project.
		s.appendStored(projectID, note)
		return false, nil
	})
	if err != nil {
		return result, err
	}
	result.Note = note
	return result, nil
}

// UpdateNote replaces the title and content of a loaded note.
func (s *NoteStore) UpdateNote(id, title, content string) (model.Note, error) {
	var updated model.Note
	err := s.mutate(func() (bool, error) {
		i := s.indexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("updating note %s: %w", id, ErrNotFound)
		}
		n := s.notes[i]
		n.Title = strings.TrimSpace(title)
		n.Content = content
		n.UpdatedAt = s.stampNote(n.UpdatedAt)
		s.notes[i] = n
		updated = n
		return true, nil
	})
	return updated, err
}

// DeleteNote removes the note from the collection and then deletes its
// attachments. The two steps are independent: attachment faults are
// logged and returned in the result but the note stays deleted.
func (s *NoteStore) DeleteNote(ctx context.Context, id string) (blob.Result, error) {
	var content string
	err := s.mutate(func() (bool, error) {
		i := s.indexLocked(id)
		if i < 0 {
			return false, fmt.Errorf("deleting note %s: %w", id, ErrNotFound)
		}
		content = s.notes[i].Content
		s.notes = append(s.notes[:i], s.notes[i+1:]...)
		if s.selected == id {
			s.selected = ""
		}
		return true, nil
	})
	if err != nil {
		return blob.Result{}, err
	}

	if s.attachments == nil {
		return blob.Result{Status: blob.StatusSucceeded}, nil
	}
	res := s.attachments.DeleteAllByParent(ctx, id)
	if !res.OK() {
		s.logger.Warn("note attachments not fully deleted",
			zap.String("note_id", id),
			zap.Stringer("status", res.Status),
			zap.Error(res.Err()),
		)
	}

	deleted := make(map[string]bool, len(res.Done))
	for _, d := range res.Done {
		deleted[d] = true
	}
	if kept := imageref.Missing(content, deleted); len(kept) > 0 {
		s.logger.Debug("deleted note embedded attachments it did not own",
			zap.String("note_id", id),
			zap.Strings("attachment_ids", kept),
		)
	}
	return res, nil
}

// SelectNote selects id, or clears the selection when id is empty. A note
// missing from the loaded collection is looked up through the adapter.
func (s *NoteStore) SelectNote(id string) error {
	if id == "" {
		return s.mutate(func() (bool, error) {
			s.selected = ""
			return false, nil
		})
	}

	if _, ok := s.GetNoteByID(id); !ok {
		return s.fail(fmt.Errorf("selecting note %s: %w", id, ErrNotFound))
	}
	return s.mutate(func() (bool, error) {
		s.selected = id
		return false, nil
	})
}

// GetNoteByID returns the note from the loaded collection, falling back to
// persisted notes when the collection has not been loaded for it yet.
func (s *NoteStore) GetNoteByID(id string) (model.Note, bool) {
	s.mu.Lock()
	if i := s.indexLocked(id); i >= 0 {
		n := s.notes[i]
		s.mu.Unlock()
		return n, true
	}
	projectID := s.projectID
	s.mu.Unlock()

	// Current project first, then every other notes key.
	keys := []string{s.keys.notes(projectID)}
	others := s.kv.Keys(s.keys.notesPrefix())
	sort.Strings(others)
	for _, k := range others {
		if k != keys[0] {
			keys = append(keys, k)
		}
	}

	for _, key := range keys {
		notes, _ := s.readKey(key)
		for _, n := range notes {
			if n.ID == id {
				return n, true
			}
		}
	}
	return model.Note{}, false
}

func (s *NoteStore) readNotes(projectID string) ([]model.Note, []Diagnostic) {
	return s.readKey(s.keys.notes(projectID))
}

func (s *NoteStore) readKey(key string) ([]model.Note, []Diagnostic) {
	state, diags, ok := readEnvelope(s.kv, key, notesVersion, nil)
	if !ok {
		return nil, diags
	}
	notes, vd := validateNotes(key, state)
	return notes, append(diags, vd...)
}

// appendStored adds note to a project's persisted list without touching
// the loaded collection.
func (s *NoteStore) appendStored(projectID string, note model.Note) {
	notes, _ := s.readNotes(projectID)
	notes = append(notes, note)
	if err := writeEnvelope(s.kv, s.keys.notes(projectID), notesVersion, notesState{Notes: notes}); err != nil {
		s.logger.Warn("note not persisted", zap.Error(err))
	}
}

// stampNote returns a timestamp never earlier than prev.
func (s *NoteStore) stampNote(prev string) string {
	var floor time.Time
	if t, err := model.ParseTimestamp(prev); err == nil {
		floor = t
	}
	return model.FormatTimestamp(stamp(s.now, floor))
}

// mutate runs fn under the lock, records its error, persists the loaded
// collection when fn reports a change and notifies subscribers.
func (s *NoteStore) mutate(fn func() (bool, error)) error {
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

func (s *NoteStore) fail(err error) error {
	return s.mutate(func() (bool, error) { return false, err })
}

func (s *NoteStore) persistLocked() {
	state := notesState{Notes: s.notes}
	if state.Notes == nil {
		state.Notes = []model.Note{}
	}
	if err := writeEnvelope(s.kv, s.keys.notes(s.projectID), notesVersion, state); err != nil {
		s.logger.Warn("notes kept in memory only", zap.Error(err))
	}
}

func (s *NoteStore) indexLocked(id string) int {
	for i, n := range s.notes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *NoteStore) snapshotLocked() NoteState {
	return NoteState{
		ProjectID:  s.projectID,
		Loaded:     s.loaded,
		Notes:      append([]model.Note(nil), s.notes...),
		SelectedID: s.selected,
		Error:      errString(s.err),
	}
}
