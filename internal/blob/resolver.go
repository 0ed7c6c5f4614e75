package blob

import (
	"context"
	"errors"
	"sync"

	"github.com/nhle/eisenhower/internal/imageref"
	"github.com/nhle/eisenhower/internal/model"
)

// ErrSuperseded is returned by Resolve when a newer call replaced it.
var ErrSuperseded = errors.New("resolution superseded")

// Fetcher batch-loads attachments by ID. Repository satisfies it.
type Fetcher interface {
	GetManyByIDs(ctx context.Context, ids []string) map[string]model.Attachment
}

// Resolution is the outcome of resolving the attachment references in one
// Markdown document.
type Resolution struct {
	Found   map[string]model.Attachment
	Missing []string
}

// Resolver resolves embedded attachment references for rapidly changing
// input. Starting a new resolution cancels the previous one.
type Resolver struct {
	fetch Fetcher

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewResolver returns a resolver reading through f.
func NewResolver(f Fetcher) *Resolver {
	return &Resolver{fetch: f}
}

// Resolve loads every attachment referenced from markdown in one batch. If
// another Resolve starts before this one finishes, this one returns
// ErrSuperseded and its result is discarded.
func (r *Resolver) Resolve(ctx context.Context, markdown string) (Resolution, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	r.cancel = cancel
	r.mu.Unlock()

	ids := imageref.ExtractAttachmentIDs(markdown)
	res := Resolution{Found: map[string]model.Attachment{}}
	if len(ids) > 0 {
		res.Found = r.fetch.GetManyByIDs(ctx, ids)
	}

	r.mu.Lock()
	current := r.seq == seq
	if current {
		r.cancel = nil
	}
	r.mu.Unlock()

	if !current {
		return Resolution{}, ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}

	for _, id := range ids {
		if _, ok := res.Found[id]; !ok {
			res.Missing = append(res.Missing, id)
		}
	}
	return res, nil
}

// Cancel aborts any in-flight resolution.
func (r *Resolver) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.seq++
}
