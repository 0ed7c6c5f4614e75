// Package app wires the persistence adapter, the attachment repository, the
// stores and the classifier together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/ai"
	"github.com/nhle/eisenhower/internal/blob"
	"github.com/nhle/eisenhower/internal/credential"
	"github.com/nhle/eisenhower/internal/kv"
	"github.com/nhle/eisenhower/internal/model"
	"github.com/nhle/eisenhower/internal/store"
)

// App holds every long-lived component. Build it with New and release it
// with Shutdown.
type App struct {
	Config      *model.AppConfig
	Logger      *zap.Logger
	KV          *kv.Adapter
	Attachments *blob.Repository
	URLs        *blob.URLRegistry
	Resolver    *blob.Resolver
	Tasks       *store.TaskStore
	Projects    *store.ProjectStore
	Notes       *store.NoteStore

	// Persistent is false when state lives in memory for this session,
	// either by request or because the state store was unavailable.
	Persistent bool

	classifier ai.Classifier
	lifecycle  *Lifecycle
}

type options struct {
	logger     *zap.Logger
	ephemeral  bool
	classifier ai.Classifier
	backend    kv.Backend
	now        func() time.Time
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEphemeral keeps state in memory and attachments in a temporary
// directory that is removed on shutdown.
func WithEphemeral() Option {
	return func(o *options) { o.ephemeral = true }
}

// WithBackend replaces the SQLite state backend.
func WithBackend(b kv.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithClassifier overrides the classifier chosen from configuration.
func WithClassifier(c ai.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithClock sets the time source of the stores and the repository.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds the application and loads persisted state. A repository that
// fails to open is logged and left uninitialized; attachment operations
// then fail with blob.ErrNotInitialized until InitAttachments succeeds.
func New(ctx context.Context, cfg *model.AppConfig, opts ...Option) (*App, error) {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg == nil {
		cfg = model.DefaultAppConfig()
	}

	a := &App{
		Config:     cfg,
		Logger:     o.logger,
		classifier: o.classifier,
		lifecycle:  NewLifecycle(0, o.logger),
	}

	a.KV, a.Persistent = a.openState(o)

	attachmentPath := cfg.Storage.AttachmentPath()
	if !a.Persistent {
		dir, err := os.MkdirTemp("", "eisenhower-*")
		if err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("creating temporary data dir: %w", err)
		}
		a.lifecycle.Register("tempdir", func(context.Context) error {
			return os.RemoveAll(dir)
		})
		attachmentPath = model.StorageConfig{DataDir: dir}.AttachmentPath()
	}

	a.Attachments = blob.NewRepository(attachmentPath,
		blob.WithLogger(o.logger),
		blob.WithClock(o.now),
	)
	a.lifecycle.Register("attachments", func(context.Context) error {
		return a.Attachments.Close()
	})
	if err := a.InitAttachments(ctx); err != nil {
		o.logger.Warn("attachment repository unavailable", zap.Error(err))
	}

	a.URLs = blob.NewURLRegistry("http://"+cfg.Server.Addr, o.logger)
	a.lifecycle.Register("display_urls", func(context.Context) error {
		a.URLs.ReleaseAll()
		return nil
	})
	a.Resolver = blob.NewResolver(a.Attachments)
	a.lifecycle.Register("resolver", func(context.Context) error {
		a.Resolver.Cancel()
		return nil
	})

	storeOpts := []store.Option{
		store.WithNamespace(cfg.Storage.Namespace),
		store.WithLogger(o.logger),
		store.WithClock(o.now),
	}
	a.Tasks = store.NewTaskStore(a.KV, a.Attachments, storeOpts...)
	a.Projects = store.NewProjectStore(a.KV, storeOpts...)
	a.Notes = store.NewNoteStore(a.KV, a.Attachments, storeOpts...)

	a.Tasks.Load()
	a.Projects.Load()

	return a, nil
}

// openState builds the adapter over the configured backend and checks it
// with IsAvailable. When the backend cannot be opened or rejects the check,
// the session falls back to memory and the second result is false.
func (a *App) openState(o options) (*kv.Adapter, bool) {
	newAdapter := func(b kv.Backend) *kv.Adapter {
		return kv.New(b,
			kv.WithEvictionScope(a.Config.Storage.EvictionScope),
			kv.WithLogger(o.logger),
			kv.WithEvictionObserver(func(r kv.EvictionReport) {
				o.logger.Info("state evicted to make room",
					zap.String("key", r.Key),
					zap.Strings("evicted", r.Evicted),
					zap.Bool("recovered", r.Recovered),
				)
			}),
		)
	}
	session := func() (*kv.Adapter, bool) {
		return newAdapter(kv.NewMemoryBackend(a.Config.Storage.QuotaBytes)), false
	}

	if o.ephemeral {
		return session()
	}

	backend := o.backend
	if backend == nil {
		b, err := a.openSQLite()
		if err != nil {
			o.logger.Warn("state store unavailable; changes last for this session only", zap.Error(err))
			return session()
		}
		backend = b
	}

	adapter := newAdapter(backend)
	if !adapter.IsAvailable() {
		o.logger.Warn("state store rejected a test write; changes last for this session only")
		return session()
	}
	return adapter, true
}

func (a *App) openSQLite() (*kv.SQLiteBackend, error) {
	if err := os.MkdirAll(a.Config.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", a.Config.Storage.DataDir, err)
	}
	b, err := kv.NewSQLiteBackend(a.Config.Storage.StatePath(), a.Config.Storage.QuotaBytes)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	a.lifecycle.Register("state", func(context.Context) error {
		return b.Close()
	})
	return b, nil
}

// InitAttachments opens the attachment repository. It is safe to call
// again after a failure.
func (a *App) InitAttachments(ctx context.Context) error {
	return a.Attachments.Init(ctx)
}

// ErrNoCredentials is returned by Classifier when the Claude backend is
// selected and no API key is configured.
var ErrNoCredentials = errors.New("no Claude API key: set ANTHROPIC_API_KEY or store one in the keyring")

// Classifier returns the configured classifier. The "claude" backend needs
// an API key from the environment or the keyring; any other backend value
// uses the HTTP classification endpoint.
func (a *App) Classifier() (ai.Classifier, error) {
	if a.classifier != nil {
		return a.classifier, nil
	}

	cfg := a.Config.AI
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Backend {
	case "claude":
		key, err := credential.ClaudeKey()
		if err != nil {
			if errors.Is(err, credential.ErrNotFound) {
				return nil, ErrNoCredentials
			}
			return nil, fmt.Errorf("loading Claude API key: %w", err)
		}
		a.classifier = ai.NewClaudeClassifier(key, cfg.Model, cfg.MaxTokens, timeout,
			ai.WithClaudeLogger(a.Logger))
	default:
		a.classifier = ai.NewHTTPClassifier(cfg.Endpoint, timeout, a.Logger)
	}
	return a.classifier, nil
}

// Shutdown releases every component in reverse construction order.
func (a *App) Shutdown(ctx context.Context) error {
	return a.lifecycle.Shutdown(ctx)
}

// Listen cancels the given context on SIGINT or SIGTERM.
func (a *App) Listen(cancel context.CancelFunc) {
	a.lifecycle.Listen(cancel)
}
