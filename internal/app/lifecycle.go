package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownFunc releases one component.
type ShutdownFunc func(ctx context.Context) error

type hook struct {
	name string
	fn   ShutdownFunc
}

// Lifecycle runs shutdown hooks in reverse registration order, so a
// component is always closed before the components it was built on.
type Lifecycle struct {
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []hook
	done  bool
}

// NewLifecycle creates a lifecycle with the given shutdown timeout.
func NewLifecycle(timeout time.Duration, logger *zap.Logger) *Lifecycle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{timeout: timeout, logger: logger}
}

// Register adds a shutdown hook. Nil hooks are ignored.
func (l *Lifecycle) Register(name string, fn ShutdownFunc) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, fn: fn})
}

// Shutdown runs every hook once, newest first. A failing hook does not stop
// the others; all failures are joined. Later calls are no-ops.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return nil
	}
	l.done = true

	var result error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		h := l.hooks[i]
		if err := h.fn(ctx); err != nil {
			l.logger.Error("shutdown hook failed", zap.String("component", h.name), zap.Error(err))
			result = errors.Join(result, err)
			continue
		}
		l.logger.Debug("component stopped", zap.String("component", h.name))
	}
	return result
}

// Listen calls cancel when SIGINT or SIGTERM arrives.
func (l *Lifecycle) Listen(cancel context.CancelFunc) {
	if cancel == nil {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)
		sig := <-sigCh
		l.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()
}
