package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	logpkg "github.com/rzbill/docsync/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Origin is the records backend docsync fronts.
	Origin   string        `json:"origin" yaml:"origin"`
	DataDir  string        `json:"dataDir" yaml:"dataDir"`
	Fsync    string        `json:"fsync" yaml:"fsync"`
	HTTPAddr string        `json:"httpAddr" yaml:"httpAddr"`
	GRPCAddr string        `json:"grpcAddr" yaml:"grpcAddr"`
	Log      logpkg.Config `json:"log" yaml:"log"`
	Cache    CacheConfig   `json:"cache" yaml:"cache"`
	Queues   []QueueConfig `json:"queues" yaml:"queues"`
	Offline  OfflineConfig `json:"offline" yaml:"offline"`
	Sync     SyncConfig    `json:"sync" yaml:"sync"`
	Push     PushConfig    `json:"push" yaml:"push"`
}

// CacheConfig covers the app-shell cache.
type CacheConfig struct {
	Generation  string   `json:"generation" yaml:"generation"`
	Manifest    []string `json:"manifest" yaml:"manifest"`
	OfflinePage string   `json:"offlinePage" yaml:"offlinePage"`
	// Rule is an optional CEL expression deciding which responses are cached.
	Rule     string `json:"rule" yaml:"rule"`
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes"`
}

// QueueConfig binds a durable queue to its sync tag and replay endpoint.
type QueueConfig struct {
	Name     string `json:"name" yaml:"name"`
	Tag      string `json:"tag" yaml:"tag"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// OfflineConfig covers connectivity detection and form capture.
type OfflineConfig struct {
	InitialOnline bool     `json:"initialOnline" yaml:"initialOnline"`
	ProbePath     string   `json:"probePath" yaml:"probePath"`
	ProbeInterval Duration `json:"probeInterval" yaml:"probeInterval"`
	// Routes maps form paths to queues for forms without a marker.
	Routes       map[string]string `json:"routes" yaml:"routes"`
	MaxFormBytes int64             `json:"maxFormBytes" yaml:"maxFormBytes"`
}

// SyncConfig covers deferred sync and replay.
type SyncConfig struct {
	MinBackoff Duration `json:"minBackoff" yaml:"minBackoff"`
	MaxBackoff Duration `json:"maxBackoff" yaml:"maxBackoff"`
	// ReplayTimeout bounds each replayed POST. Zero means no timeout.
	ReplayTimeout Duration `json:"replayTimeout" yaml:"replayTimeout"`
}

// PushConfig covers notification rendering.
type PushConfig struct {
	Icon      string `json:"icon" yaml:"icon"`
	Badge     string `json:"badge" yaml:"badge"`
	InboxSize int    `json:"inboxSize" yaml:"inboxSize"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Origin:   "http://127.0.0.1:8000",
		DataDir:  DefaultDataDir(),
		Fsync:    "always",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Log:      logpkg.Config{Level: "info", Format: "text"},
		Cache: CacheConfig{
			Generation: "docsdash-cache-v1",
			Manifest: []string{
				"/",
				"/static/css/main.css",
				"/static/js/main.js",
				"/static/images/logo.png",
				"/static/offline.html",
			},
			OfflinePage: "/static/offline.html",
			MaxBytes:    10 << 20,
		},
		Queues: []QueueConfig{
			{Name: "pending-patients", Tag: "sync-patients", Endpoint: "/api/patients/"},
			{Name: "pending-appointments", Tag: "sync-appointments", Endpoint: "/api/appointments/"},
		},
		Offline: OfflineConfig{
			InitialOnline: true,
			ProbePath:     "/",
			ProbeInterval: Duration(10 * time.Second),
			MaxFormBytes:  1 << 20,
		},
		Sync: SyncConfig{
			MinBackoff: Duration(time.Second),
			MaxBackoff: Duration(5 * time.Minute),
		},
		Push: PushConfig{
			Icon:      "/static/images/logo.png",
			Badge:     "/static/images/badge.png",
			InboxSize: 100,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// OriginURL parses Origin.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("config: origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("config: origin must be an absolute http(s) URL, got %q", c.Origin)
	}
	return u, nil
}

// Validate reports the first structural problem in c.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.OriginURL(); err != nil {
		errs = append(errs, err)
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("config: dataDir is required"))
	}
	switch c.Fsync {
	case "", "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("config: fsync must be always|interval|never, got %q", c.Fsync))
	}
	if c.Cache.Generation == "" || strings.Contains(c.Cache.Generation, "/") {
		errs = append(errs, fmt.Errorf("config: invalid cache generation %q", c.Cache.Generation))
	}
	if len(c.Queues) == 0 {
		errs = append(errs, errors.New("config: at least one queue is required"))
	}
	names := map[string]bool{}
	tags := map[string]bool{}
	for _, q := range c.Queues {
		if q.Name == "" || q.Tag == "" || !strings.HasPrefix(q.Endpoint, "/") {
			errs = append(errs, fmt.Errorf("config: incomplete queue %+v", q))
			continue
		}
		if names[q.Name] || tags[q.Tag] {
			errs = append(errs, fmt.Errorf("config: duplicate queue or tag %+v", q))
		}
		names[q.Name], tags[q.Tag] = true, true
	}
	for path, q := range c.Offline.Routes {
		if !names[q] {
			errs = append(errs, fmt.Errorf("config: route %s targets unknown queue %q", path, q))
		}
	}
	if c.Sync.MinBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.MinBackoff {
		errs = append(errs, fmt.Errorf("config: backoff bounds %s..%s are invalid", c.Sync.MinBackoff, c.Sync.MaxBackoff))
	}
	return errors.Join(errs...)
}
