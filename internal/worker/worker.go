package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/rzbill/docsync/internal/cachestore"
	"github.com/rzbill/docsync/internal/capture"
	cfgpkg "github.com/rzbill/docsync/internal/config"
	"github.com/rzbill/docsync/internal/connectivity"
	"github.com/rzbill/docsync/internal/fetch"
	"github.com/rzbill/docsync/internal/lifecycle"
	"github.com/rzbill/docsync/internal/push"
	"github.com/rzbill/docsync/internal/queuestore"
	"github.com/rzbill/docsync/internal/reconcile"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
	"github.com/rzbill/docsync/internal/syncsched"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

const defaultProbeTimeout = 5 * time.Second

// Options for building a Worker.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Transport carries all origin traffic. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
	// Renderer shows push notifications. Defaults to the log renderer.
	Renderer push.Renderer
}

// Worker owns the store and every offline component.
type Worker struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	origin *url.URL
	logger logpkg.Logger

	Queues     *queuestore.Store
	Cache      *cachestore.Store
	Lifecycle  *lifecycle.Manager
	Signal     *connectivity.Signal
	Prober     *connectivity.Prober
	Fetch      *fetch.Interceptor
	Capture    *capture.Capture
	Reconciler *reconcile.Reconciler
	Scheduler  *syncsched.Scheduler
	Push       *push.Center

	tagByQueue map[queuestore.Name]string
	handlers   map[Kind]handlerFunc
	events     chan envelope
	stopped    chan struct{}
	stopOnce   sync.Once
	tasks      sync.WaitGroup
}

// Open validates the config, opens storage under DataDir/store and builds
// every component.
func Open(opts Options) (*Worker, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: filepath.Join(cfg.DataDir, "store"), Fsync: fsync})
	if err != nil {
		return nil, fmt.Errorf("worker: open store: %w", err)
	}
	w := &Worker{
		db:      db,
		config:  cfg,
		origin:  origin,
		logger:  logger.With(logpkg.Component("worker")),
		events:  make(chan envelope, 64),
		stopped: make(chan struct{}),
	}
	if err := w.build(logger, transport, opts.Renderer); err != nil {
		_ = db.Close()
		return nil, err
	}
	w.registerHandlers()
	return w, nil
}

func (w *Worker) build(logger logpkg.Logger, transport http.RoundTripper, renderer push.Renderer) error {
	cfg := w.config
	var err error

	bindings := make([]reconcile.Binding, 0, len(cfg.Queues))
	names := make([]queuestore.Name, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		bindings = append(bindings, reconcile.Binding{Queue: queuestore.Name(q.Name), Tag: q.Tag, Endpoint: q.Endpoint})
		names = append(names, queuestore.Name(q.Name))
	}
	w.tagByQueue = reconcile.TagsByQueue(bindings)

	if w.Queues, err = queuestore.Open(w.db, names, logger); err != nil {
		return err
	}
	if w.Cache, err = cachestore.New(w.db, cfg.Cache.Generation, logger); err != nil {
		return err
	}
	client := &http.Client{Transport: transport}
	if w.Lifecycle, err = lifecycle.New(w.Cache, lifecycle.Options{
		Origin:      w.origin,
		Manifest:    lifecycle.Manifest(cfg.Cache.Manifest),
		OfflinePage: cfg.Cache.OfflinePage,
		Client:      client,
		Logger:      logger,
	}); err != nil {
		return err
	}

	w.Signal = connectivity.NewSignal(cfg.Offline.InitialOnline)
	w.Prober = &connectivity.Prober{
		Signal:   w.Signal,
		URL:      w.origin.ResolveReference(&url.URL{Path: cfg.Offline.ProbePath}),
		Interval: cfg.Offline.ProbeInterval.Std(),
		Client:   &http.Client{Transport: transport, Timeout: defaultProbeTimeout},
		Logger:   logger.With(logpkg.Component("connectivity")),
	}

	if w.Fetch, err = fetch.New(fetch.Options{
		Origin:        w.origin,
		Cache:         w.Cache,
		Transport:     transport,
		OfflineKey:    w.Lifecycle.OfflineKey(),
		CacheRule:     cfg.Cache.Rule,
		MaxCacheBytes: cfg.Cache.MaxBytes,
		Signal:        w.Signal,
		Logger:        logger,
	}); err != nil {
		return err
	}

	if w.Reconciler, err = reconcile.New(reconcile.Options{
		Queues:   w.Queues,
		Origin:   w.origin,
		Bindings: bindings,
		Client:   &http.Client{Transport: transport, Timeout: cfg.Sync.ReplayTimeout.Std()},
		Logger:   logger,
	}); err != nil {
		return err
	}
	if w.Scheduler, err = syncsched.New(syncsched.Options{
		DB:         w.db,
		Handler:    w.Reconciler,
		Signal:     w.Signal,
		MinBackoff: cfg.Sync.MinBackoff.Std(),
		MaxBackoff: cfg.Sync.MaxBackoff.Std(),
		Logger:     logger,
	}); err != nil {
		return err
	}

	routes := make(map[string]queuestore.Name, len(cfg.Offline.Routes))
	for path, q := range cfg.Offline.Routes {
		routes[path] = queuestore.Name(q)
	}
	if w.Capture, err = capture.New(capture.Options{
		Queues:       w.Queues,
		Signal:       w.Signal,
		Tags:         w.tagByQueue,
		Sync:         w.Scheduler,
		Routes:       routes,
		MaxFormBytes: cfg.Offline.MaxFormBytes,
		Logger:       logger,
	}); err != nil {
		return err
	}

	w.Push = push.NewCenter(push.Options{
		Renderer:  renderer,
		Icon:      cfg.Push.Icon,
		Badge:     cfg.Push.Badge,
		InboxSize: cfg.Push.InboxSize,
		Logger:    logger,
	})
	return nil
}

// Close waits for in-flight event handlers and closes storage.
func (w *Worker) Close() error {
	w.stop()
	w.tasks.Wait()
	w.Reconciler.Wait()
	w.Fetch.Flush()
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Worker) stop() { w.stopOnce.Do(func() { close(w.stopped) }) }

// CheckHealth verifies the store answers reads.
func (w *Worker) CheckHealth(ctx context.Context) error {
	if w.db == nil {
		return errors.New("db not open")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	it, err := w.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Online reports whether the origin is considered reachable.
func (w *Worker) Online() bool { return w.Signal.Online() }

// Config returns the worker configuration.
func (w *Worker) Config() cfgpkg.Config { return w.config }

// Handler serves every non-admin request: offline capture first, then the
// cache-first interceptor.
func (w *Worker) Handler() http.Handler { return w.Capture.Middleware(w.Fetch) }

// Start runs install and, only if it succeeded, activate. A failed install
// leaves the previous generation in service and is returned.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Lifecycle.Install(ctx); err != nil {
		return err
	}
	if _, err := w.Lifecycle.Activate(ctx); err != nil {
		w.logger.Warn("activate failed", logpkg.Err(err))
	}
	return nil
}

// Run serves events and drives the prober and sync scheduler until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	transitions, cancel := w.Signal.Subscribe()
	defer cancel()

	w.tasks.Add(2)
	go func() { defer w.tasks.Done(); w.Prober.Run(ctx) }()
	go func() { defer w.tasks.Done(); w.Scheduler.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return
		case <-w.stopped:
			return
		case tr, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			w.logger.Info("connectivity changed", logpkg.Bool("online", tr.Online), logpkg.Str("source", tr.Source))
		case env := <-w.events:
			h := w.handlers[env.ev.Kind]
			w.tasks.Add(1)
			go func() {
				defer w.tasks.Done()
				v, err := h(env.ctx, env.ev)
				if err != nil {
					w.logger.Warn("event failed", logpkg.Str("event", string(env.ev.Kind)), logpkg.Err(err))
				}
				env.reply <- Result{Value: v, Err: err}
			}()
		}
	}
}
