package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/model"
)

// State is the initialization state of a Repository.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return "failed"
	}
}

// Opener opens the underlying bolt file.
type Opener func(path string) (*bolt.DB, error)

// DefaultOpener creates the parent directory and opens path with a one
// second lock timeout.
func DefaultOpener(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}
	return bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
}

// initAttempt is one in-flight open shared by every concurrent Init caller.
type initAttempt struct {
	done chan struct{}
	err  error
}

// Stats summarizes repository contents.
type Stats struct {
	Count      int
	TotalBytes int64
	Parents    int
}

// Repository is the durable attachment store. It must be initialized with
// Init before use; operations on an unready repository fail with
// ErrNotInitialized (or fail closed, for reads).
type Repository struct {
	path   string
	open   Opener
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	state   State
	db      *bolt.DB
	attempt *initAttempt
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger used for fail-closed reads and batch faults.
func WithLogger(l *zap.Logger) Option {
	return func(r *Repository) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithOpener replaces the bolt opener.
func WithOpener(o Opener) Option {
	return func(r *Repository) { r.open = o }
}

// WithClock replaces time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// NewRepository returns an uninitialized repository backed by the file at
// path.
func NewRepository(path string, opts ...Option) *Repository {
	r := &Repository{
		path:   path,
		open:   DefaultOpener,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current initialization state.
func (r *Repository) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Init opens the store. Concurrent callers arriving while an open is in
// flight wait for that same open; callers arriving after it succeeded
// return nil immediately. After a failure the next call retries.
func (r *Repository) Init(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateReady:
		r.mu.Unlock()
		return nil
	case StateInitializing:
		attempt := r.attempt
		r.mu.Unlock()

		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := &initAttempt{done: make(chan struct{})}
	r.attempt = attempt
	r.state = StateInitializing
	r.mu.Unlock()

	db, err := r.openAndMigrate()

	r.mu.Lock()
	if err != nil {
		r.state = StateFailed
		attempt.err = &StorageError{Op: "init", Code: CodeTransaction, Err: err}
		r.logger.Error("attachment store init failed", zap.String("path", r.path), zap.Error(err))
	} else {
		r.state = StateReady
		r.db = db
		r.logger.Debug("attachment store ready", zap.String("path", r.path))
	}
	close(attempt.done)
	r.mu.Unlock()

	return attempt.err
}

func (r *Repository) openAndMigrate() (*bolt.DB, error) {
	db, err := r.open(r.path)
	if err != nil {
		return nil, err
	}
	if err := db.Update(migrate); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the store and returns it to the uninitialized state.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db == nil {
		r.state = StateUninitialized
		return nil
	}
	err := r.db.Close()
	r.db = nil
	r.state = StateUninitialized
	return err
}

// handle returns the open database, or an error when not ready.
func (r *Repository) handle(ctx context.Context, op string) (*bolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateReady || r.db == nil {
		return nil, notInitialized(op)
	}
	return r.db, nil
}

// Save stores f under a fresh ID owned by parentID.
func (r *Repository) Save(ctx context.Context, parentID string, f File) (model.Attachment, error) {
	db, err := r.handle(ctx, "save")
	if err != nil {
		return model.Attachment{}, err
	}

	rec := record{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Name:      f.Name,
		Size:      int64(len(f.Data)),
		MimeType:  f.DetectMimeType(),
		CreatedAt: r.now().UTC(),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return model.Attachment{}, txFailed("save", err)
	}
	payload := append([]byte(nil), f.Data...)

	err = db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAttachments).Put([]byte(rec.ID), meta); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPayloads).Put([]byte(rec.ID), payload); err != nil {
			return err
		}
		return tx.Bucket(bucketByParent).Put(indexKey(parentID, rec.ID), []byte{1})
	})
	if err != nil {
		return model.Attachment{}, txFailed("save", err)
	}

	return toAttachment(rec, payload), nil
}

// GetByID returns the attachment, or nil when it is missing or cannot be
// read. Failures are logged, never returned.
func (r *Repository) GetByID(ctx context.Context, id string) *model.Attachment {
	db, err := r.handle(ctx, "get")
	if err != nil {
		r.logger.Warn("attachment read skipped", zap.String("id", id), zap.Error(err))
		return nil
	}

	var out *model.Attachment
	err = db.View(func(tx *bolt.Tx) error {
		a, ok, err := load(tx, id)
		if err != nil || !ok {
			return err
		}
		out = &a
		return nil
	})
	if err != nil {
		r.logger.Warn("attachment read failed", zap.String("id", id), zap.Error(err))
		return nil
	}
	return out
}

// GetManyByIDs resolves ids in a single read transaction. Missing or
// unreadable IDs are absent from the result.
func (r *Repository) GetManyByIDs(ctx context.Context, ids []string) map[string]model.Attachment {
	out := make(map[string]model.Attachment, len(ids))
	if len(ids) == 0 {
		return out
	}

	db, err := r.handle(ctx, "get_many")
	if err != nil {
		r.logger.Warn("attachment batch read skipped", zap.Int("count", len(ids)), zap.Error(err))
		return out
	}

	err = db.View(func(tx *bolt.Tx) error {
		for _, id := range ids {
			if _, seen := out[id]; seen {
				continue
			}
			a, ok, err := load(tx, id)
			if err != nil {
				r.logger.Warn("attachment decode failed", zap.String("id", id), zap.Error(err))
				continue
			}
			if ok {
				out[id] = a
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("attachment batch read failed", zap.Error(err))
	}
	return out
}

// GetAllByParent returns every attachment owned by parentID, oldest first.
func (r *Repository) GetAllByParent(ctx context.Context, parentID string) ([]model.Attachment, error) {
	db, err := r.handle(ctx, "get_by_parent")
	if err != nil {
		return nil, err
	}

	var out []model.Attachment
	err = db.View(func(tx *bolt.Tx) error {
		for _, id := range childIDs(tx, parentID) {
			a, ok, err := load(tx, id)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, a)
			}
		}
		return nil
	})
	if err != nil {
		return nil, txFailed("get_by_parent", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Delete removes one attachment.
func (r *Repository) Delete(ctx context.Context, id string) error {
	db, err := r.handle(ctx, "delete")
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		attachments := tx.Bucket(bucketAttachments)
		raw := attachments.Get([]byte(id))
		if raw == nil {
			return notFound("delete", id)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		if err := attachments.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPayloads).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketByParent).Delete(indexKey(rec.ParentID, id))
	})
	if err != nil {
		if IsCode(err, CodeNotFound) {
			return err
		}
		return txFailed("delete", err)
	}
	return nil
}

// DeleteAllByParent deletes every attachment owned by parentID, one at a
// time. A failed deletion is recorded and the rest continue.
func (r *Repository) DeleteAllByParent(ctx context.Context, parentID string) Result {
	ids, err := r.childIDs(ctx, parentID)
	if err != nil {
		r.logger.Warn("attachment cascade skipped", zap.String("parent_id", parentID), zap.Error(err))
		return newResult(nil, []ItemFault{{ID: parentID, Err: err}})
	}

	var (
		done   []string
		faults []ItemFault
	)
	for _, id := range ids {
		if err := r.Delete(ctx, id); err != nil {
			r.logger.Warn("attachment delete failed",
				zap.String("parent_id", parentID),
				zap.String("id", id),
				zap.Error(err),
			)
			faults = append(faults, ItemFault{ID: id, Err: err})
			continue
		}
		done = append(done, id)
	}
	return newResult(done, faults)
}

// ReassignOwner moves every attachment owned by from to to in a single
// transaction and returns how many moved. No matches is a no-op.
func (r *Repository) ReassignOwner(ctx context.Context, from, to string) (int, error) {
	if from == to {
		return 0, nil
	}
	db, err := r.handle(ctx, "reassign")
	if err != nil {
		return 0, err
	}

	moved := 0
	err = db.Update(func(tx *bolt.Tx) error {
		attachments := tx.Bucket(bucketAttachments)
		index := tx.Bucket(bucketByParent)

		for _, id := range childIDs(tx, from) {
			raw := attachments.Get([]byte(id))
			if raw == nil {
				// Stale index entry; drop it.
				if err := index.Delete(indexKey(from, id)); err != nil {
					return err
				}
				continue
			}
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decoding attachment %s: %w", id, err)
			}
			rec.ParentID = to
			meta, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := attachments.Put([]byte(id), meta); err != nil {
				return err
			}
			if err := index.Delete(indexKey(from, id)); err != nil {
				return err
			}
			if err := index.Put(indexKey(to, id), []byte{1}); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, txFailed("reassign", err)
	}

	if moved > 0 {
		r.logger.Debug("attachments reassigned",
			zap.String("from", from),
			zap.String("to", to),
			zap.Int("count", moved),
		)
	}
	return moved, nil
}

// Stats counts records, payload bytes and distinct owners.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	db, err := r.handle(ctx, "stats")
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	parents := make(map[string]struct{})
	err = db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttachments).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			s.Count++
			s.TotalBytes += rec.Size
			parents[rec.ParentID] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return Stats{}, txFailed("stats", err)
	}
	s.Parents = len(parents)
	return s, nil
}

func (r *Repository) childIDs(ctx context.Context, parentID string) ([]string, error) {
	db, err := r.handle(ctx, "list")
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.View(func(tx *bolt.Tx) error {
		ids = childIDs(tx, parentID)
		return nil
	})
	if err != nil {
		return nil, txFailed("list", err)
	}
	return ids, nil
}

// childIDs scans the by_parent index for parentID.
func childIDs(tx *bolt.Tx, parentID string) []string {
	prefix := indexPrefix(parentID)
	var ids []string
	c := tx.Bucket(bucketByParent).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

// load reads one attachment inside tx. The payload is copied because bolt
// memory is only valid for the life of the transaction.
func load(tx *bolt.Tx, id string) (model.Attachment, bool, error) {
	raw := tx.Bucket(bucketAttachments).Get([]byte(id))
	if raw == nil {
		return model.Attachment{}, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Attachment{}, false, fmt.Errorf("decoding attachment %s: %w", id, err)
	}
	payload := append([]byte(nil), tx.Bucket(bucketPayloads).Get([]byte(id))...)
	return toAttachment(rec, payload), true, nil
}

func toAttachment(rec record, payload []byte) model.Attachment {
	return model.Attachment{
		ID:        rec.ID,
		ParentID:  rec.ParentID,
		Data:      payload,
		Name:      rec.Name,
		Size:      rec.Size,
		MimeType:  rec.MimeType,
		CreatedAt: rec.CreatedAt,
	}
}
