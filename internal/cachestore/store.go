package cachestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

var ErrInvalidGeneration = errors.New("cachestore: invalid generation name")

type generationMeta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Store holds every cache generation in one Pebble database.
type Store struct {
	db      *pebblestore.DB
	current string
	logger  logpkg.Logger

	NowMs func() int64
}

// New returns a store whose current generation is current.
func New(db *pebblestore.DB, current string, logger logpkg.Logger) (*Store, error) {
	if err := validateGeneration(current); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	return &Store{
		db:      db,
		current: current,
		logger:  logger.With(logpkg.Component("cachestore")),
		NowMs:   func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func validateGeneration(gen string) error {
	if gen == "" || strings.Contains(gen, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidGeneration, gen)
	}
	return nil
}

// CurrentName is the generation the process is configured to use.
func (s *Store) CurrentName() string { return s.current }

// Current opens the current generation.
func (s *Store) Current() *Cache { return &Cache{s: s, gen: s.current} }

// Open returns a handle on gen. The generation is registered on its first write.
func (s *Store) Open(gen string) (*Cache, error) {
	if err := validateGeneration(gen); err != nil {
		return nil, err
	}
	return &Cache{s: s, gen: gen}, nil
}

// Generations lists every registered generation in name order.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := s.db.ScanPrefix(genMarkerPrefix, func(k, _ []byte) bool {
		out = append(out, string(k[len(genMarkerPrefix):]))
		return true
	})
	return out, err
}

// DeleteGeneration removes gen and all of its records in one batch.
func (s *Store) DeleteGeneration(ctx context.Context, gen string) error {
	if err := validateGeneration(gen); err != nil {
		return err
	}
	prefix := keyRecordPrefix(gen)
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(prefix, pebblestore.PrefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(keyGeneration(gen), nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	// Reclaim the dropped generation's space now.
	if err := s.db.CompactRange(prefix, pebblestore.PrefixEnd(prefix)); err != nil {
		s.logger.Warn("compact deleted generation", logpkg.Str("generation", gen), logpkg.Err(err))
	}
	return nil
}

// MatchAny looks key up in the current generation first, then in the others
// in name order. It returns the generation that answered. A generation that
// fails to read counts as a miss.
func (s *Store) MatchAny(ctx context.Context, key RequestKey) (Snapshot, string, bool, error) {
	snap, ok, err := s.Current().Match(ctx, key)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return Snapshot{}, "", false, err
		}
		s.logger.Warn("cache lookup failed", logpkg.Str("generation", s.current), logpkg.Err(err))
	case ok:
		return snap, s.current, true, nil
	}
	gens, err := s.Generations(ctx)
	if err != nil {
		return Snapshot{}, "", false, err
	}
	for _, g := range gens {
		if g == s.current {
			continue
		}
		snap, ok, err := (&Cache{s: s, gen: g}).Match(ctx, key)
		if err != nil {
			s.logger.Warn("cache lookup failed", logpkg.Str("generation", g), logpkg.Err(err))
			continue
		}
		if ok {
			return snap, g, true, nil
		}
	}
	return Snapshot{}, "", false, nil
}

// Cache is a handle on a single generation.
type Cache struct {
	s   *Store
	gen string
}

// Name returns the generation name.
func (c *Cache) Name() string { return c.gen }

// Match returns the snapshot stored under key. ok is false on a miss.
func (c *Cache) Match(ctx context.Context, key RequestKey) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	b, err := c.s.db.Get(keyRecord(c.gen, key))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("cachestore: decode %s: %w", key, err)
	}
	return snap, true, nil
}

// Put stores snap under key, replacing any previous snapshot.
func (c *Cache) Put(ctx context.Context, key RequestKey, snap Snapshot) error {
	return c.write(ctx, false, map[RequestKey]Snapshot{key: snap})
}

// Replace makes the generation hold exactly entries. Old records are removed
// and the new ones written in a single batch.
func (c *Cache) Replace(ctx context.Context, entries map[RequestKey]Snapshot) error {
	return c.write(ctx, true, entries)
}

func (c *Cache) write(ctx context.Context, wipe bool, entries map[RequestKey]Snapshot) error {
	b := c.s.db.NewBatch()
	defer b.Close()

	if wipe {
		prefix := keyRecordPrefix(c.gen)
		if err := b.DeleteRange(prefix, pebblestore.PrefixEnd(prefix), nil); err != nil {
			return err
		}
	}
	if err := c.ensureMarker(b); err != nil {
		return err
	}
	now := c.s.NowMs()
	for k, snap := range entries {
		if snap.StoredAtMs == 0 {
			snap.StoredAtMs = now
		}
		val, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("cachestore: encode %s: %w", k, err)
		}
		if err := b.Set(keyRecord(c.gen, k), val, nil); err != nil {
			return err
		}
	}
	if err := c.s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("cachestore: write %s: %w", c.gen, err)
	}
	return nil
}

func (c *Cache) ensureMarker(b *pebble.Batch) error {
	key := keyGeneration(c.gen)
	if _, err := c.s.db.Get(key); err == nil {
		return nil
	} else if !pebblestore.IsNotFound(err) {
		return err
	}
	val, err := json.Marshal(generationMeta{Name: c.gen, CreatedAtMs: c.s.NowMs()})
	if err != nil {
		return err
	}
	return b.Set(key, val, nil)
}

// Keys lists the request keys stored in the generation in byte order.
func (c *Cache) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyRecordPrefix(c.gen)
	var out []RequestKey
	err := c.s.db.ScanPrefix(prefix, func(k, _ []byte) bool {
		out = append(out, RequestKey(k[len(prefix):]))
		return true
	})
	return out, err
}
