package blob

import (
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/model"
)

// URLPath is the route prefix display URLs are served under.
const URLPath = "/blob/"

type urlEntry struct {
	file         File
	attachmentID string
	refs         int
}

// URLRegistry hands out process-lifetime display URLs for payloads. It never
// revokes a URL on its own: whoever creates or acquires one releases it.
type URLRegistry struct {
	base   string
	logger *zap.Logger

	mu           sync.Mutex
	entries      map[string]*urlEntry
	byAttachment map[string]string
}

// NewURLRegistry returns a registry whose URLs start with base, for example
// "http://127.0.0.1:7777". An empty base yields path-only URLs.
func NewURLRegistry(base string, logger *zap.Logger) *URLRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &URLRegistry{
		base:         strings.TrimRight(base, "/"),
		logger:       logger,
		entries:      make(map[string]*urlEntry),
		byAttachment: make(map[string]string),
	}
}

// CreateDisplayURL registers f under a new URL. The registry does not
// deduplicate: each call returns a distinct URL that must be released.
func (r *URLRegistry) CreateDisplayURL(f File) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	token := uuid.NewString()
	r.entries[token] = &urlEntry{file: f, refs: 1}
	return r.urlFor(token)
}

// ReleaseDisplayURL revokes url regardless of its reference count. It
// reports whether the URL was outstanding.
func (r *URLRegistry) ReleaseDisplayURL(url string) bool {
	token, ok := r.token(url)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return false
	}
	r.drop(token, e)
	return true
}

// CachedDisplayURL returns the outstanding URL for an acquired attachment.
func (r *URLRegistry) CachedDisplayURL(attachmentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byAttachment[attachmentID]
	if !ok {
		return "", false
	}
	return r.urlFor(token), true
}

// Acquire returns a handle on the display URL for a. Every holder of the
// same attachment shares one URL; it is revoked when the last handle is
// released.
func (r *URLRegistry) Acquire(a model.Attachment) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token, ok := r.byAttachment[a.ID]; ok {
		r.entries[token].refs++
		return &Handle{registry: r, token: token, url: r.urlFor(token)}
	}

	token := uuid.NewString()
	r.entries[token] = &urlEntry{
		file:         File{Name: a.Name, MimeType: a.MimeType, Data: a.Data},
		attachmentID: a.ID,
		refs:         1,
	}
	r.byAttachment[a.ID] = token
	return &Handle{registry: r, token: token, url: r.urlFor(token)}
}

func (r *URLRegistry) release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		r.drop(token, e)
	}
}

// drop removes an entry. Callers hold r.mu.
func (r *URLRegistry) drop(token string, e *urlEntry) {
	delete(r.entries, token)
	if e.attachmentID != "" && r.byAttachment[e.attachmentID] == token {
		delete(r.byAttachment, e.attachmentID)
	}
}

// Open returns the payload behind url, which may also be a bare token.
func (r *URLRegistry) Open(url string) (File, bool) {
	token, ok := r.token(url)
	if !ok {
		return File{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return File{}, false
	}
	return e.file, true
}

// Outstanding returns how many URLs are currently live.
func (r *URLRegistry) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ReleaseAll revokes every URL and returns how many were outstanding.
func (r *URLRegistry) ReleaseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	if n > 0 {
		r.logger.Debug("revoking display urls", zap.Int("count", n))
	}
	r.entries = make(map[string]*urlEntry)
	r.byAttachment = make(map[string]string)
	return n
}

// Handler serves GET and HEAD requests for URLPath + token.
func (r *URLRegistry) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsGet() && !ctx.IsHead() {
			ctx.Error(http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		path := string(ctx.Path())
		if !strings.HasPrefix(path, URLPath) {
			ctx.NotFound()
			return
		}

		f, ok := r.Open(strings.TrimPrefix(path, URLPath))
		if !ok {
			ctx.NotFound()
			return
		}

		ctx.Response.Header.SetContentType(f.DetectMimeType())
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetStatusCode(http.StatusOK)
		ctx.SetBody(f.Data)
	}
}

func (r *URLRegistry) urlFor(token string) string {
	return r.base + URLPath + token
}

func (r *URLRegistry) token(url string) (string, bool) {
	if i := strings.LastIndex(url, URLPath); i >= 0 {
		url = url[i+len(URLPath):]
	}
	if url == "" || strings.Contains(url, "/") {
		return "", false
	}
	return url, true
}

// Handle is one holder's claim on a display URL.
type Handle struct {
	registry *URLRegistry
	token    string
	url      string
	once     sync.Once
}

// URL returns the display URL. It stays valid until the last handle for
// the same attachment is released.
func (h *Handle) URL() string {
	return h.url
}

// Release gives up this handle. Calling it more than once has no effect.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.token)
	})
}
