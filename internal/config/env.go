package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. An empty path means
// ".env"; a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// FromEnv overlays DOCSYNC_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("DOCSYNC_ORIGIN", &cfg.Origin)
	str("DOCSYNC_DATA_DIR", &cfg.DataDir)
	str("DOCSYNC_FSYNC", &cfg.Fsync)
	str("DOCSYNC_HTTP_ADDR", &cfg.HTTPAddr)
	str("DOCSYNC_GRPC_ADDR", &cfg.GRPCAddr)
	str("DOCSYNC_LOG_LEVEL", &cfg.Log.Level)
	str("DOCSYNC_LOG_FORMAT", &cfg.Log.Format)
	str("DOCSYNC_CACHE_GENERATION", &cfg.Cache.Generation)
	str("DOCSYNC_CACHE_RULE", &cfg.Cache.Rule)
	str("DOCSYNC_OFFLINE_PAGE", &cfg.Cache.OfflinePage)
	str("DOCSYNC_PROBE_PATH", &cfg.Offline.ProbePath)
	dur("DOCSYNC_PROBE_INTERVAL", &cfg.Offline.ProbeInterval)
	dur("DOCSYNC_SYNC_MIN_BACKOFF", &cfg.Sync.MinBackoff)
	dur("DOCSYNC_SYNC_MAX_BACKOFF", &cfg.Sync.MaxBackoff)
	dur("DOCSYNC_REPLAY_TIMEOUT", &cfg.Sync.ReplayTimeout)

	if v := os.Getenv("DOCSYNC_INITIAL_ONLINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Offline.InitialOnline = b
		}
	}
	if v := os.Getenv("DOCSYNC_PUSH_INBOX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Push.InboxSize = n
		}
	}
	if v := os.Getenv("DOCSYNC_LOG_REDACT_KEYS"); v != "" {
		cfg.Log.RedactKeys = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Log.RedactKeys = append(cfg.Log.RedactKeys, p)
			}
		}
	}
}
