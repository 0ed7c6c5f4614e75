package kv

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// probeKey is written and removed by IsAvailable.
const probeKey = "__storage_probe__"

// evictionDivisor makes a recovery pass remove one fifth of the candidates.
const evictionDivisor = 5

// EvictionReport describes one quota recovery pass.
type EvictionReport struct {
	// Key is the key whose write triggered the pass.
	Key string
	// Evicted lists the removed keys, oldest first.
	Evicted []string
	// Recovered is true when the retried write succeeded.
	Recovered bool
	// Err holds the final failure, if any.
	Err error
}

// Adapter wraps a Backend with quota recovery and availability probing.
// None of its methods panic or return errors; faults become false/empty
// results and are logged.
type Adapter struct {
	backend Backend
	scope   string
	logger  *zap.Logger
	observe func(EvictionReport)

	mu sync.Mutex
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEvictionScope limits eviction candidates to keys with prefix.
func WithEvictionScope(prefix string) Option {
	return func(a *Adapter) { a.scope = prefix }
}

// WithLogger sets the logger used for recovered faults.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithEvictionObserver registers fn to receive every eviction report.
func WithEvictionObserver(fn func(EvictionReport)) Option {
	return func(a *Adapter) { a.observe = fn }
}

// New creates an Adapter over b.
func New(b Backend, opts ...Option) *Adapter {
	a := &Adapter{
		backend: b,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get returns the value stored under key. Missing keys and backend faults
// both report ok=false.
func (a *Adapter) Get(key string) (value string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.guard("get", func() error {
		var err error
		value, ok, err = a.backend.Get(key)
		return err
	})
	if err != nil {
		a.logger.Warn("kv get failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return value, ok
}

// Set stores value under key. On a quota failure the oldest share of keys
// is evicted and the write retried once. It returns false when the value
// could not be persisted; the caller's in-memory state remains valid for
// the session.
func (a *Adapter) Set(key, value string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.guard("set", func() error { return a.backend.Set(key, value) })
	if err == nil {
		return true
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		a.logger.Warn("kv set failed", zap.String("key", key), zap.Error(err))
		return false
	}

	report := EvictionReport{Key: key}
	report.Evicted, report.Err = a.evictOldest()
	if report.Err == nil {
		report.Err = a.guard("set", func() error { return a.backend.Set(key, value) })
	}
	report.Recovered = report.Err == nil

	if report.Recovered {
		a.logger.Info("kv quota recovered",
			zap.String("key", key),
			zap.Strings("evicted", report.Evicted),
		)
	} else {
		a.logger.Warn("kv quota recovery failed",
			zap.String("key", key),
			zap.Strings("evicted", report.Evicted),
			zap.Error(report.Err),
		)
	}
	if a.observe != nil {
		a.observe(report)
	}
	return report.Recovered
}

// Remove deletes key and reports whether the backend accepted it.
func (a *Adapter) Remove(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guard("remove", func() error { return a.backend.Remove(key) }); err != nil {
		a.logger.Warn("kv remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Keys returns the keys starting with prefix, in lexicographic order.
func (a *Adapter) Keys(prefix string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var keys []string
	err := a.guard("keys", func() error {
		var err error
		keys, err = a.backend.Keys()
		return err
	})
	if err != nil {
		a.logger.Warn("kv keys failed", zap.Error(err))
		return nil
	}

	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// IsAvailable probes the backend with a write followed by a delete.
func (a *Adapter) IsAvailable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.guard("probe", func() error {
		if err := a.backend.Set(probeKey, probeKey); err != nil {
			return err
		}
		return a.backend.Remove(probeKey)
	})
	if err != nil {
		a.logger.Warn("kv unavailable", zap.Error(err))
		return false
	}
	return true
}

// EstimateSize returns the bytes currently used, or zero if unknown.
func (a *Adapter) EstimateSize() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var size int64
	err := a.guard("size", func() error {
		var err error
		size, err = a.backend.Size()
		return err
	})
	if err != nil {
		a.logger.Warn("kv size failed", zap.Error(err))
		return 0
	}
	return size
}

// evictOldest removes ceil(20%) of the in-scope keys, minimum one, ranked by
// the recency heuristic. Callers hold a.mu.
func (a *Adapter) evictOldest() ([]string, error) {
	var keys []string
	err := a.guard("keys", func() error {
		var err error
		keys, err = a.backend.Keys()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing eviction candidates: %w", err)
	}

	candidates := make([]rankedKey, 0, len(keys))
	for _, k := range keys {
		if k == probeKey || !strings.HasPrefix(k, a.scope) {
			continue
		}
		rk := rankedKey{key: k}
		var value string
		var ok bool
		_ = a.guard("get", func() error {
			var err error
			value, ok, err = a.backend.Get(k)
			return err
		})
		if ok {
			rk.at, rk.hasAge = extractRecency(value)
		}
		candidates = append(candidates, rk)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no eviction candidates: %w", ErrQuotaExceeded)
	}

	sortOldestFirst(candidates)

	n := EvictionCount(len(candidates))
	evicted := make([]string, 0, n)
	for _, c := range candidates[:n] {
		if err := a.guard("remove", func() error { return a.backend.Remove(c.key) }); err != nil {
			a.logger.Warn("kv eviction failed", zap.String("key", c.key), zap.Error(err))
			continue
		}
		evicted = append(evicted, c.key)
	}
	return evicted, nil
}

// EvictionCount returns how many of n candidates a recovery pass removes.
func EvictionCount(n int) int {
	if n <= 0 {
		return 0
	}
	count := (n + evictionDivisor - 1) / evictionDivisor
	if count < 1 {
		count = 1
	}
	if count > n {
		count = n
	}
	return count
}

// guard runs fn and converts a panic into an error.
func (a *Adapter) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kv %s panicked: %v", op, r)
		}
	}()
	return fn()
}
