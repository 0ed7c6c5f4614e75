package blob

import (
	"errors"
	"fmt"
)

// Status summarizes a best-effort batch operation.
type Status int

const (
	StatusSucceeded Status = iota
	StatusPartial
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusPartial:
		return "partial"
	default:
		return "failed"
	}
}

// ItemFault records why one item of a batch failed.
type ItemFault struct {
	ID  string
	Err error
}

// Result is the outcome of a best-effort fan-out. A fault on one item never
// stops the others.
type Result struct {
	Status Status
	Done   []string
	Faults []ItemFault
}

func newResult(done []string, faults []ItemFault) Result {
	r := Result{Done: done, Faults: faults}
	switch {
	case len(faults) == 0:
		r.Status = StatusSucceeded
	case len(done) > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
	return r
}

// OK reports whether every item succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSucceeded
}

// Err joins the per-item faults, or returns nil when there are none.
func (r Result) Err() error {
	if len(r.Faults) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Faults))
	for _, f := range r.Faults {
		errs = append(errs, fmt.Errorf("%s: %w", f.ID, f.Err))
	}
	return errors.Join(errs...)
}
