package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rzbill/docsync/internal/cachestore"
	"github.com/rzbill/docsync/internal/connectivity"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

var (
	// ErrNetwork wraps origin transport failures that have no cached fallback.
	ErrNetwork     = errors.New("fetch: origin unreachable")
	errRuleNotBool = errors.New("fetch: cache rule must evaluate to bool")
)

const defaultMaxCacheBytes = 10 << 20

// Options configures an Interceptor.
type Options struct {
	Origin    *url.URL
	Cache     *cachestore.Store
	Transport http.RoundTripper
	// OfflineKey is the cache key of the offline fallback page.
	OfflineKey cachestore.RequestKey
	// CacheRule is an optional CEL predicate; see the package doc.
	CacheRule string
	// MaxCacheBytes caps the size of a response body that is written back.
	MaxCacheBytes int64
	// Signal, when set, is updated from the outcome of every origin round trip.
	Signal *connectivity.Signal
	Logger logpkg.Logger
}

// Interceptor implements the cache-first fetch path.
type Interceptor struct {
	origin     *url.URL
	cache      *cachestore.Store
	transport  http.RoundTripper
	offlineKey cachestore.RequestKey
	rule       cacheRule
	maxBytes   int64
	signal     *connectivity.Signal
	logger     logpkg.Logger

	writes sync.WaitGroup
}

// New builds an Interceptor.
func New(opts Options) (*Interceptor, error) {
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("fetch: origin URL is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("fetch: cache store is required")
	}
	rule, err := newCacheRule(opts.CacheRule)
	if err != nil {
		return nil, fmt.Errorf("fetch: compile cache rule: %w", err)
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.MaxCacheBytes <= 0 {
		opts.MaxCacheBytes = defaultMaxCacheBytes
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Interceptor{
		origin:     opts.Origin,
		cache:      opts.Cache,
		transport:  opts.Transport,
		offlineKey: opts.OfflineKey,
		rule:       rule,
		maxBytes:   opts.MaxCacheBytes,
		signal:     opts.Signal,
		logger:     opts.Logger.With(logpkg.Component("fetch")),
	}, nil
}

// IsNavigation reports whether r is a top-level page navigation.
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if r.Method != http.MethodGet {
		return false
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == "text/html" {
			return true
		}
	}
	return false
}

func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// originRequest rewrites r to target the origin.
func (i *Interceptor) originRequest(ctx context.Context, r *http.Request) *http.Request {
	out := r.Clone(ctx)
	u := *i.origin
	u.Path = r.URL.Path
	u.RawPath = r.URL.RawPath
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	out.URL = &u
	out.Host = i.origin.Host
	out.RequestURI = ""
	for _, h := range []string{"Connection", "Keep-Alive", "Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade"} {
		out.Header.Del(h)
	}
	return out
}

// Fetch answers r from the cache or the origin. The caller must close the
// returned body.
func (i *Interceptor) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	out := i.originRequest(ctx, r)

	var key cachestore.RequestKey
	if cacheable(r.Method) {
		key = cachestore.KeyFor(http.MethodGet, out.URL)
		snap, ok, err := i.cache.Current().Match(ctx, key)
		switch {
		case err != nil:
			i.logger.Warn("cache read failed; treating as miss", logpkg.Str("key", string(key)), logpkg.Err(err))
		case ok:
			return snap.Response(r), nil
		}
	}

	resp, err := i.transport.RoundTrip(out)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the origin.
			return nil, err
		}
		i.observe(false)
		if IsNavigation(r) {
			if fb, ok := i.offlineFallback(ctx, r); ok {
				i.logger.Info("serving offline page", logpkg.Str("path", r.URL.Path))
				return fb, nil
			}
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, r.Method, r.URL.Path, err)
	}
	i.observe(true)

	if r.Method == http.MethodGet && i.shouldStore(out, resp) {
		i.writeThrough(key, resp)
	}
	return resp, nil
}

func (i *Interceptor) observe(online bool) {
	if i.signal != nil {
		i.signal.Set(online, "fetch")
	}
}

func (i *Interceptor) shouldStore(out *http.Request, resp *http.Response) bool {
	if resp.StatusCode != http.StatusOK {
		return false
	}
	final := out.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	if final.Host != i.origin.Host || final.Scheme != i.origin.Scheme {
		return false
	}
	if resp.ContentLength > i.maxBytes {
		return false
	}
	return i.rule.Allow(out, resp)
}

// writeThrough buffers the body, hands the caller an equivalent reader, and
// stores the snapshot in the background.
func (i *Interceptor) writeThrough(key cachestore.RequestKey, resp *http.Response) {
	buf, err := io.ReadAll(io.LimitReader(resp.Body, i.maxBytes+1))
	if err != nil {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), errReader{err}), resp.Body}
		return
	}
	if int64(len(buf)) > i.maxBytes {
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(buf), resp.Body), resp.Body}
		return
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))

	snap := cachestore.SnapshotOf(resp, buf, time.Now().UnixMilli())
	i.writes.Add(1)
	go func() {
		defer i.writes.Done()
		if err := i.cache.Current().Put(context.Background(), key, snap); err != nil {
			i.logger.Warn("cache write failed", logpkg.Str("key", string(key)), logpkg.Err(err))
		}
	}()
}

func (i *Interceptor) offlineFallback(ctx context.Context, r *http.Request) (*http.Response, bool) {
	if i.offlineKey == "" {
		return nil, false
	}
	snap, gen, ok, err := i.cache.MatchAny(ctx, i.offlineKey)
	if err != nil {
		i.logger.Warn("offline page lookup failed", logpkg.Err(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if gen != i.cache.CurrentName() {
		i.logger.Debug("offline page served from older generation", logpkg.Str("generation", gen))
	}
	return snap.Response(r), true
}

// Flush waits for background cache writes.
func (i *Interceptor) Flush() { i.writes.Wait() }

// ServeHTTP proxies r through Fetch.
func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := i.Fetch(r.Context(), r)
	if err != nil {
		i.logger.Warn("fetch failed", logpkg.Str("method", r.Method), logpkg.Str("path", r.URL.Path), logpkg.Err(err))
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.Copy(w, resp.Body)
}

type readCloser struct {
	io.Reader
	io.Closer
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
