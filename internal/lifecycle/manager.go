package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/docsync/internal/cachestore"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

var ErrInstallFailed = errors.New("lifecycle: install failed")

// Options configures a Manager.
type Options struct {
	Origin      *url.URL
	Manifest    Manifest
	OfflinePage string
	// Client fetches manifest entries. Defaults to http.DefaultClient.
	Client *http.Client
	// Parallel bounds concurrent manifest fetches. Defaults to 4.
	Parallel int
	Logger   logpkg.Logger
}

// Manager runs install and activate against a cache store.
type Manager struct {
	store    *cachestore.Store
	origin   *url.URL
	manifest Manifest
	offline  string
	client   *http.Client
	parallel int
	logger   logpkg.Logger

	mu        sync.Mutex
	installed bool
}

// New validates opts and returns a Manager.
func New(store *cachestore.Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lifecycle: nil cache store")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("lifecycle: origin URL is required")
	}
	if opts.OfflinePage == "" {
		opts.OfflinePage = DefaultOfflinePage
	}
	if len(opts.Manifest) == 0 {
		opts.Manifest = DefaultManifest()
	}
	if err := opts.Manifest.Validate(opts.OfflinePage); err != nil {
		return nil, err
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Manager{
		store:    store,
		origin:   opts.Origin,
		manifest: append(Manifest(nil), opts.Manifest...),
		offline:  opts.OfflinePage,
		client:   opts.Client,
		parallel: opts.Parallel,
		logger:   opts.Logger.With(logpkg.Component("lifecycle")),
	}, nil
}

// URLFor resolves an origin path.
func (m *Manager) URLFor(path string) *url.URL {
	return m.origin.ResolveReference(&url.URL{Path: path})
}

// OfflineKey is the cache key of the offline fallback page.
func (m *Manager) OfflineKey() cachestore.RequestKey {
	return cachestore.KeyFor(http.MethodGet, m.URLFor(m.offline))
}

// Installed reports whether an install has succeeded in this process.
func (m *Manager) Installed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installed
}

// Install fetches every manifest entry and, only if all of them succeed,
// replaces the current generation with exactly that set.
func (m *Manager) Install(ctx context.Context) error {
	start := time.Now()
	snaps := make([]cachestore.Snapshot, len(m.manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallel)
	for i, p := range m.manifest {
		g.Go(func() error {
			snap, err := m.fetch(gctx, p)
			if err != nil {
				return err
			}
			snaps[i] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Error("install aborted", logpkg.Str("generation", m.store.CurrentName()), logpkg.Err(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	entries := make(map[cachestore.RequestKey]cachestore.Snapshot, len(m.manifest))
	for i, p := range m.manifest {
		entries[cachestore.KeyFor(http.MethodGet, m.URLFor(p))] = snaps[i]
	}
	if err := m.store.Current().Replace(ctx, entries); err != nil {
		m.logger.Error("install write failed", logpkg.Err(err))
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	m.mu.Lock()
	m.installed = true
	m.mu.Unlock()
	m.logger.Info("installed app shell",
		logpkg.Str("generation", m.store.CurrentName()),
		logpkg.Int("entries", len(entries)),
		logpkg.Duration("took", time.Since(start)))
	return nil
}

func (m *Manager) fetch(ctx context.Context, path string) (cachestore.Snapshot, error) {
	u := m.URLFor(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cachestore.Snapshot{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return cachestore.Snapshot{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cachestore.Snapshot{}, fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}
	return cachestore.SnapshotOf(resp, body, time.Now().UnixMilli()), nil
}

// Activate deletes every generation other than the current one. A failed
// deletion is logged and skipped. It returns the generations removed.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	gens, err := m.store.Generations(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, g := range gens {
		if g == m.store.CurrentName() {
			continue
		}
		if err := m.store.DeleteGeneration(ctx, g); err != nil {
			m.logger.Warn("failed to delete stale generation", logpkg.Str("generation", g), logpkg.Err(err))
			continue
		}
		m.logger.Info("deleted stale generation", logpkg.Str("generation", g))
		deleted = append(deleted, g)
	}
	return deleted, nil
}
