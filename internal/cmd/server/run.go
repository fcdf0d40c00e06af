package serverrun

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/docsync/internal/config"
	grpcserver "github.com/rzbill/docsync/internal/server/grpc"
	httpserver "github.com/rzbill/docsync/internal/server/http"
	"github.com/rzbill/docsync/internal/worker"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

type Options struct {
	Config cfgpkg.Config
	// Logger overrides the logger built from Config.Log.
	Logger logpkg.Logger
	// SkipInstall leaves the cache untouched at startup.
	SkipInstall bool
}

// LoadConfig layers envFile, the config file at path and DOCSYNC_* variables
// over the defaults.
func LoadConfig(path, envFile string) (cfgpkg.Config, error) {
	if err := cfgpkg.LoadDotEnv(envFile); err != nil {
		return cfgpkg.Config{}, err
	}
	if path == "" {
		path = os.Getenv("DOCSYNC_CONFIG")
	}
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	cfgpkg.FromEnv(&cfg)
	return cfg, nil
}

// buildLogger falls back to a text logger at the configured level when the
// log config is unusable.
func buildLogger(cfg logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if p, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = p
	}
	l = logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
	l.Warn("invalid log config; using text output", logpkg.Err(err))
	return l
}

// Run starts the worker plus gRPC and HTTP servers and blocks until ctx is
// cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	procLogger := opts.Logger
	if procLogger == nil {
		procLogger = buildLogger(cfg.Log)
	}
	// Redirect stdlib logs (e.g., Pebble) to our logger
	logpkg.RedirectStdLog(procLogger)

	w, err := worker.Open(worker.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return err
	}
	defer w.Close()

	procLogger.Info("Starting docsync",
		logpkg.Str("origin", cfg.Origin),
		logpkg.Str("grpc", cfg.GRPCAddr),
		logpkg.Str("http", cfg.HTTPAddr),
		logpkg.Str("data_dir", cfg.DataDir),
		logpkg.Str("generation", w.Cache.CurrentName()),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(sctx)
	}()

	if !opts.SkipInstall {
		// A failed install keeps the previous generation serving.
		if err := w.Start(sctx); err != nil && sctx.Err() == nil {
			procLogger.Warn("cache install failed; serving previous generation", logpkg.Err(err))
		}
	}

	gsrv := grpcserver.New(w, procLogger)
	hsrv := httpserver.New(w, procLogger)

	errCh := make(chan error, 2)
	if cfg.GRPCAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gsrv.ListenAndServe(sctx, cfg.GRPCAddr); err != nil && sctx.Err() == nil {
				procLogger.Error("grpc server failed", logpkg.Err(err))
				errCh <- err
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.HTTPAddr); err != nil && sctx.Err() == nil {
			procLogger.Error("http server failed", logpkg.Err(err))
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
		stop()
	}
	// Shut the servers down before the store closes.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return runErr
}
