package blob

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/nhle/eisenhower/internal/model"
)

func TestURLRegistry_CreateAndRelease(t *testing.T) {
	reg := NewURLRegistry("http://127.0.0.1:7777/", nil)

	f := File{Name: "a.png", Data: pngHeader}
	u1 := reg.CreateDisplayURL(f)
	u2 := reg.CreateDisplayURL(f)
	assert.NotEqual(t, u1, u2)
	assert.True(t, strings.HasPrefix(u1, "http://127.0.0.1:7777/blob/"))
	assert.Equal(t, 2, reg.Outstanding())

	got, ok := reg.Open(u1)
	require.True(t, ok)
	assert.Equal(t, pngHeader, got.Data)

	assert.True(t, reg.ReleaseDisplayURL(u1))
	assert.False(t, reg.ReleaseDisplayURL(u1))
	_, ok = reg.Open(u1)
	assert.False(t, ok)
	assert.Equal(t, 1, reg.Outstanding())
}

func TestURLRegistry_AcquireIsReferenceCounted(t *testing.T) {
	reg := NewURLRegistry("", nil)
	a := model.Attachment{ID: "att-1", Name: "a.png", MimeType: "image/png", Data: pngHeader}

	_, ok := reg.CachedDisplayURL(a.ID)
	assert.False(t, ok)

	h1 := reg.Acquire(a)
	h2 := reg.Acquire(a)
	assert.Equal(t, h1.URL(), h2.URL())
	assert.Equal(t, 1, reg.Outstanding())

	cached, ok := reg.CachedDisplayURL(a.ID)
	require.True(t, ok)
	assert.Equal(t, h1.URL(), cached)

	h1.Release()
	h1.Release()
	_, ok = reg.Open(h2.URL())
	assert.True(t, ok, "url must survive while another handle holds it")

	h2.Release()
	_, ok = reg.Open(h2.URL())
	assert.False(t, ok)
	assert.Zero(t, reg.Outstanding())

	_, ok = reg.CachedDisplayURL(a.ID)
	assert.False(t, ok)
}

func TestURLRegistry_ReleaseAll(t *testing.T) {
	reg := NewURLRegistry("", nil)
	reg.CreateDisplayURL(File{Data: []byte("x")})
	h := reg.Acquire(model.Attachment{ID: "att-1", Data: []byte("y")})

	assert.Equal(t, 2, reg.ReleaseAll())
	assert.Zero(t, reg.Outstanding())

	// Releasing a handle after a sweep is harmless.
	h.Release()
	assert.Zero(t, reg.Outstanding())
}

func TestURLRegistry_Handler(t *testing.T) {
	reg := NewURLRegistry("", nil)
	url := reg.CreateDisplayURL(File{Name: "a.png", Data: pngHeader})
	handler := reg.Handler()

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(http.MethodGet)
	ctx.Request.SetRequestURI(url)
	handler(&ctx)

	assert.Equal(t, http.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "image/png", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, pngHeader, ctx.Response.Body())

	reg.ReleaseDisplayURL(url)

	var gone fasthttp.RequestCtx
	gone.Request.Header.SetMethod(http.MethodGet)
	gone.Request.SetRequestURI(url)
	handler(&gone)
	assert.Equal(t, http.StatusNotFound, gone.Response.StatusCode())

	var post fasthttp.RequestCtx
	post.Request.Header.SetMethod(http.MethodPost)
	post.Request.SetRequestURI(url)
	handler(&post)
	assert.Equal(t, http.StatusMethodNotAllowed, post.Response.StatusCode())
}

type blockingFetcher struct {
	entered chan struct{}
	found   map[string]model.Attachment
}

func (f *blockingFetcher) GetManyByIDs(ctx context.Context, ids []string) map[string]model.Attachment {
	for _, id := range ids {
		if id == "slow" {
			f.entered <- struct{}{}
			<-ctx.Done()
			return map[string]model.Attachment{}
		}
	}
	out := make(map[string]model.Attachment)
	for _, id := range ids {
		if a, ok := f.found[id]; ok {
			out[id] = a
		}
	}
	return out
}

func TestResolver_Resolve(t *testing.T) {
	f := &blockingFetcher{found: map[string]model.Attachment{"a1": {ID: "a1"}}}
	r := NewResolver(f)

	res, err := r.Resolve(context.Background(), "![x](attachment:a1) ![y](attachment:gone)")
	require.NoError(t, err)
	assert.Contains(t, res.Found, "a1")
	assert.Equal(t, []string{"gone"}, res.Missing)

	res, err = r.Resolve(context.Background(), "no images")
	require.NoError(t, err)
	assert.Empty(t, res.Found)
	assert.Empty(t, res.Missing)
}

func TestResolver_NewCallSupersedesPrevious(t *testing.T) {
	f := &blockingFetcher{
		entered: make(chan struct{}, 1),
		found:   map[string]model.Attachment{"a1": {ID: "a1"}},
	}
	r := NewResolver(f)

	first := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), "![s](attachment:slow)")
		first <- err
	}()
	<-f.entered

	res, err := r.Resolve(context.Background(), "![x](attachment:a1)")
	require.NoError(t, err)
	assert.Contains(t, res.Found, "a1")

	assert.ErrorIs(t, <-first, ErrSuperseded)
}

func TestFile_DraftIDs(t *testing.T) {
	id := NewDraftID()
	assert.True(t, strings.HasPrefix(id, draftPrefix))
	assert.NotEqual(t, id, NewDraftID())

	assert.True(t, File{Data: pngHeader}.IsImage())
	assert.False(t, File{Data: []byte("plain text")}.IsImage())
}
