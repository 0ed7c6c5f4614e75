// Package store holds the task, project and note collections in memory and
// writes them through the key-value adapter after every change.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/model"
)

var (
	// ErrNotFound is returned when an action names an entity that does
	// not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when an action's arguments fail
	// validation.
	ErrInvalidInput = errors.New("invalid input")
)

// Persister is the synchronous key-value surface the stores write through.
// *kv.Adapter satisfies it.
type Persister interface {
	Get(key string) (string, bool)
	Set(key, value string) bool
	Remove(key string) bool
	Keys(prefix string) []string
}

// Attachments is the part of the attachment repository the stores use.
// *blob.Repository satisfies it.
type Attachments interface {
	Save(ctx context.Context, parentID string, f blob.File) (model.Attachment, error)
	Delete(ctx context.Context, id string) error
	GetAllByParent(ctx context.Context, parentID string) ([]model.Attachment, error)
	DeleteAllByParent(ctx context.Context, parentID string) blob.Result
	ReassignOwner(ctx context.Context, from, to string) (int, error)
}

// DefaultNamespace prefixes every key the stores write.
const DefaultNamespace = "eisenhower:"

// keyspace names the fixed keys under one namespace.
type keyspace struct {
	ns string
}

func (k keyspace) tasks() string       { return k.ns + "tasks" }
func (k keyspace) selection() string   { return k.ns + "selection" }
func (k keyspace) projects() string    { return k.ns + "projects" }
func (k keyspace) notesPrefix() string { return k.ns + "notes:" }

// notes returns the key for a project's notes. Notes without a project
// live under "_".
func (k keyspace) notes(projectID string) string {
	if projectID == "" {
		projectID = "_"
	}
	return k.notesPrefix() + projectID
}

// TransferOutcome reports a best-effort attachment ownership transfer from
// a draft ID to a newly created entity.
type TransferOutcome struct {
	From  string
	To    string
	Moved int
	Err   error
}

// OK reports whether the transfer succeeded.
func (t TransferOutcome) OK() bool { return t.Err == nil }

// options is shared by every store constructor.
type options struct {
	namespace string
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a store.
type Option func(*options)

// WithNamespace replaces DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithLogger sets the logger for persistence and attachment faults.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{
		namespace: DefaultNamespace,
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp returns the current time, never earlier than prev.
func stamp(now func() time.Time, prev time.Time) time.Time {
	t := now().UTC()
	if t.Before(prev) {
		return prev
	}
	return t
}

// subscribers fans state snapshots out to listeners. Listeners are called
// without any store lock held.
type subscribers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (s *subscribers[T]) add(fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fns == nil {
		s.fns = make(map[int]func(T))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
		})
	}
}

func (s *subscribers[T]) notify(v T) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
