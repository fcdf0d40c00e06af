package queuestore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

// Name identifies one durable queue.
type Name string

const (
	PendingPatients     Name = "pending-patients"
	PendingAppointments Name = "pending-appointments"
)

// DefaultNames is the fixed queue set of the records UI.
func DefaultNames() []Name { return []Name{PendingPatients, PendingAppointments} }

var (
	ErrUnknownQueue  = errors.New("queuestore: unknown queue")
	ErrEntryNotFound = errors.New("queuestore: entry not found")
)

// Entry is one captured submission. Entries are created and deleted, never updated.
type Entry struct {
	ID        uint64            `json:"id"`
	Data      map[string]string `json:"data"`
	Timestamp int64             `json:"timestamp"`
}

// EnqueuedAt returns the capture time.
func (e Entry) EnqueuedAt() time.Time { return time.UnixMilli(e.Timestamp) }

// Queues is the capability surface the capture and reconcile layers depend on.
type Queues interface {
	Add(ctx context.Context, queue Name, data map[string]string) (Entry, error)
	Get(ctx context.Context, queue Name, id uint64) (Entry, error)
	GetAll(ctx context.Context, queue Name) ([]Entry, error)
	Delete(ctx context.Context, queue Name, id uint64) error
}

type queueState struct {
	mu     sync.Mutex
	lastID uint64
}

// Store is the Pebble-backed Queues implementation.
type Store struct {
	db     *pebblestore.DB
	queues map[Name]*queueState
	logger logpkg.Logger

	// NowMs is the capture clock; tests pin it.
	NowMs func() int64
}

var _ Queues = (*Store)(nil)

// Open registers the fixed queue set and restores each queue's last id.
func Open(db *pebblestore.DB, names []Name, logger logpkg.Logger) (*Store, error) {
	if len(names) == 0 {
		return nil, errors.New("queuestore: at least one queue name is required")
	}
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Store{
		db:     db,
		queues: make(map[Name]*queueState, len(names)),
		logger: logger.With(logpkg.Component("queuestore")),
		NowMs:  func() int64 { return time.Now().UnixMilli() },
	}
	for _, n := range names {
		if n == "" {
			return nil, errors.New("queuestore: empty queue name")
		}
		if _, dup := s.queues[n]; dup {
			return nil, fmt.Errorf("queuestore: duplicate queue %q", n)
		}
		st := &queueState{}
		meta, err := db.Get(KeyQueueMeta(n))
		switch {
		case err == nil && len(meta) >= 8:
			st.lastID = binary.BigEndian.Uint64(meta[:8])
		case err != nil && !pebblestore.IsNotFound(err):
			return nil, fmt.Errorf("queuestore: load %s meta: %w", n, err)
		}
		if _, err := ensureRegistered(db, n); err != nil {
			return nil, err
		}
		s.queues[n] = st
	}
	return s, nil
}

// Names returns the registered queue names in sorted order.
func (s *Store) Names() []Name {
	out := make([]Name, 0, len(s.queues))
	for n := range s.queues {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether queue is part of the fixed set.
func (s *Store) Has(queue Name) bool {
	_, ok := s.queues[queue]
	return ok
}

func (s *Store) state(queue Name) (*queueState, error) {
	st, ok := s.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}
	return st, nil
}

// Add appends a new entry with the next id. The id and the meta record are
// committed in one batch so ids are never reused after a crash.
func (s *Store) Add(ctx context.Context, queue Name, data map[string]string) (Entry, error) {
	st, err := s.state(queue)
	if err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e := Entry{ID: st.lastID + 1, Data: cp, Timestamp: s.NowMs()}
	val, err := EncodeEntry(e)
	if err != nil {
		return Entry{}, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(KeyEntry(queue, e.ID), val, nil); err != nil {
		return Entry{}, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], e.ID)
	if err := b.Set(KeyQueueMeta(queue), meta[:], nil); err != nil {
		return Entry{}, err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return Entry{}, fmt.Errorf("queuestore: add to %s: %w", queue, err)
	}
	st.lastID = e.ID
	return e, nil
}

// Get returns a single entry.
func (s *Store) Get(ctx context.Context, queue Name, id uint64) (Entry, error) {
	if _, err := s.state(queue); err != nil {
		return Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	val, err := s.db.Get(KeyEntry(queue, id))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, err
	}
	e, ok := DecodeEntry(id, val)
	if !ok {
		return Entry{}, fmt.Errorf("queuestore: corrupt entry %s/%d", queue, id)
	}
	return e, nil
}

// GetAll returns every entry of queue, oldest first.
func (s *Store) GetAll(ctx context.Context, queue Name) ([]Entry, error) {
	if _, err := s.state(queue); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := s.db.ScanPrefix(KeyEntryPrefix(queue), func(k, v []byte) bool {
		id, ok := idFromKey(k)
		if !ok {
			return true
		}
		e, ok := DecodeEntry(id, v)
		if !ok {
			s.logger.Warn("skipping corrupt queue entry", logpkg.Str("queue", string(queue)), logpkg.Uint64("id", id))
			return true
		}
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("queuestore: scan %s: %w", queue, err)
	}
	return out, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, queue Name, id uint64) error {
	if _, err := s.state(queue); err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(KeyEntry(queue, id), nil); err != nil {
		return err
	}
	return s.db.CommitBatch(ctx, b)
}

// Count returns the number of entries waiting in queue.
func (s *Store) Count(ctx context.Context, queue Name) (int, error) {
	if _, err := s.state(queue); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.ScanPrefix(KeyEntryPrefix(queue), func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Clear drops every entry of queue. The id counter is kept so cleared ids are
// never handed out again.
func (s *Store) Clear(ctx context.Context, queue Name) error {
	if _, err := s.state(queue); err != nil {
		return err
	}
	return s.db.DeletePrefix(ctx, KeyEntryPrefix(queue))
}
