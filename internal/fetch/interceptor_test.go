package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/docsync/internal/cachestore"
	"github.com/rzbill/docsync/internal/connectivity"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
)

// countingTransport records round trips and can be switched off to simulate
// an unreachable origin.
type countingTransport struct {
	next  http.RoundTripper
	calls atomic.Int32
	down  atomic.Bool
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	if c.down.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return c.next.RoundTrip(r)
}

type fixture struct {
	origin *httptest.Server
	tr     *countingTransport
	store  *cachestore.Store
	ic     *Interceptor
	base   *url.URL
}

func newFixture(t *testing.T, rule string) *fixture {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("page:" + r.URL.Path))
	})
	mux.HandleFunc("/api/patients/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(200 * time.Millisecond):
		}
		_, _ = w.Write([]byte("slow"))
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://cdn.example/x", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := cachestore.New(db, "v1", nil)
	require.NoError(t, err)

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	tr := &countingTransport{next: http.DefaultTransport}
	ic, err := New(Options{
		Origin:     base,
		Cache:      store,
		Transport:  tr,
		OfflineKey: cachestore.KeyFor(http.MethodGet, base.ResolveReference(&url.URL{Path: "/static/offline.html"})),
		CacheRule:  rule,
	})
	require.NoError(t, err)
	return &fixture{origin: srv, tr: tr, store: store, ic: ic, base: base}
}

func (f *fixture) get(t *testing.T, path string, hdr http.Header) (*http.Response, string, error) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	resp, err := f.ic.Fetch(context.Background(), req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b), nil
}

func (f *fixture) key(path string) cachestore.RequestKey {
	return cachestore.KeyFor(http.MethodGet, f.base.ResolveReference(&url.URL{Path: path}))
}

func TestCacheHitMakesNoNetworkCall(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.Current().Put(ctx, f.key("/static/css/main.css"), cachestore.Snapshot{
		Status: 200, Header: http.Header{"Content-Type": {"text/css"}}, Body: []byte("body{}"),
	}))

	resp, body, err := f.get(t, "/static/css/main.css", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "body{}", body)
	assert.Equal(t, int32(0), f.tr.calls.Load())
}

func TestMissWritesThroughAndSecondRequestHitsCache(t *testing.T) {
	f := newFixture(t, "")
	_, body, err := f.get(t, "/patients/", nil)
	require.NoError(t, err)
	assert.Equal(t, "page:/patients/", body)
	f.ic.Flush()

	snap, ok, err := f.store.Current().Match(context.Background(), f.key("/patients/"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "page:/patients/", string(snap.Body))

	_, body, err = f.get(t, "/patients/", nil)
	require.NoError(t, err)
	assert.Equal(t, "page:/patients/", body)
	assert.Equal(t, int32(1), f.tr.calls.Load())
}

func TestNon200AndCrossOriginAreNotCached(t *testing.T) {
	f := newFixture(t, "")
	resp, _, err := f.get(t, "/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _, err = f.get(t, "/elsewhere", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	f.ic.Flush()

	keys, err := f.store.Current().Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCacheRuleExcludesAPI(t *testing.T) {
	f := newFixture(t, `!path.startsWith("/api/")`)
	_, _, err := f.get(t, "/api/patients/", nil)
	require.NoError(t, err)
	_, _, err = f.get(t, "/", nil)
	require.NoError(t, err)
	f.ic.Flush()

	keys, err := f.store.Current().Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []cachestore.RequestKey{f.key("/")}, keys)
}

func TestInvalidCacheRule(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	defer db.Close()
	store, _ := cachestore.New(db, "v1", nil)
	u, _ := url.Parse("http://origin.test")
	_, err = New(Options{Origin: u, Cache: store, CacheRule: `path + 1`})
	assert.Error(t, err)
	_, err = New(Options{Origin: u, Cache: store, CacheRule: `path`})
	assert.Error(t, err)
}

func TestNavigationFallsBackToOfflinePage(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.store.Current().Put(context.Background(), f.key("/static/offline.html"), cachestore.Snapshot{
		Status: 200, Header: http.Header{"Content-Type": {"text/html"}}, Body: []byte("you are offline"),
	}))
	f.tr.down.Store(true)

	resp, body, err := f.get(t, "/appointments/", http.Header{"Sec-Fetch-Mode": {"navigate"}})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "you are offline", body)

	_, _, err = f.get(t, "/static/js/app.js", http.Header{"Sec-Fetch-Mode": {"no-cors"}})
	require.ErrorIs(t, err, ErrNetwork)
}

func TestServeHTTPReturns502ForFailedSubresource(t *testing.T) {
	f := newFixture(t, "")
	f.tr.down.Store(true)
	rec := httptest.NewRecorder()
	f.ic.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/images/logo.png", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPostIsNeverServedFromCache(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.store.Current().Put(context.Background(), f.key("/patients/new/"), cachestore.Snapshot{Status: 200, Body: []byte("cached")}))
	rec := httptest.NewRecorder()
	f.ic.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/patients/new/", nil))
	assert.Equal(t, "page:/patients/new/", rec.Body.String())
	assert.Equal(t, int32(1), f.tr.calls.Load())
}

func TestFetchUpdatesSignal(t *testing.T) {
	f := newFixture(t, "")
	sig := connectivity.NewSignal(true)
	f.ic.signal = sig
	f.tr.down.Store(true)
	_, _, _ = f.get(t, "/x", nil)
	assert.False(t, sig.Online())
	f.tr.down.Store(false)
	_, _, err := f.get(t, "/x", nil)
	require.NoError(t, err)
	assert.True(t, sig.Online())
}

func TestCallerCancellationKeepsSignalOnline(t *testing.T) {
	f := newFixture(t, "")
	sig := connectivity.NewSignal(true)
	f.ic.signal = sig

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.ic.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Error(t, err)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
	assert.True(t, sig.Online(), "a caller timeout must not mark the origin offline")

	_, body, err := f.get(t, "/x", nil)
	require.NoError(t, err)
	assert.Equal(t, "page:/x", body)
	assert.True(t, sig.Online())
}

func TestIsNavigation(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	assert.True(t, IsNavigation(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "application/json")
	assert.False(t, IsNavigation(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/html")
	r.Header.Set("Sec-Fetch-Mode", "cors")
	assert.False(t, IsNavigation(r))
}
