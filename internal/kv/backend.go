// Package kv provides the synchronous string key/value persistence layer
// the stores serialize into, with quota recovery and availability probing.
package kv

import "errors"

// ErrQuotaExceeded is returned by a Backend when a write would push the
// store past its capacity.
var ErrQuotaExceeded = errors.New("kv: quota exceeded")

// Backend is a synchronous string key/value store. Implementations may
// return ErrQuotaExceeded from Set; the Adapter recovers from it.
type Backend interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
	Size() (int64, error)
}

// entrySize is the number of bytes an entry counts against a quota.
func entrySize(key, value string) int64 {
	return int64(len(key) + len(value))
}
