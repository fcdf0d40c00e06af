package syncsched

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rzbill/docsync/internal/connectivity"
	"github.com/rzbill/docsync/internal/reconcile"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

// Handler runs a reconciliation pass for a tag.
type Handler interface {
	HandleSync(ctx context.Context, tag string) (reconcile.PassResult, error)
	Tags() []string
}

// Options configures a Scheduler.
type Options struct {
	DB         *pebblestore.DB
	Handler    Handler
	Signal     *connectivity.Signal
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     logpkg.Logger
	// Now is the scheduler clock; tests pin it.
	Now func() time.Time
}

type tagState struct {
	attempts int
	nextAt   time.Time
	// seq changes on every registration so a pass never clears a tag that was
	// registered again while it ran.
	seq uint64
}

type tagRecord struct {
	Tag            string `json:"tag"`
	RegisteredAtMs int64  `json:"registeredAtMs"`
}

// Scheduler is the deferred-sync host.
type Scheduler struct {
	db      *pebblestore.DB
	handler Handler
	signal  *connectivity.Signal
	min     time.Duration
	max     time.Duration
	logger  logpkg.Logger
	now     func() time.Time
	known   map[string]struct{}

	mu   sync.Mutex
	tags map[string]*tagState
	wake chan struct{}
}

var keyPrefix = []byte("synctag/")

func keyTag(tag string) []byte { return append(append([]byte(nil), keyPrefix...), tag...) }

// New restores persisted registrations and returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.DB == nil || opts.Handler == nil || opts.Signal == nil {
		return nil, errors.New("syncsched: db, handler and signal are required")
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultMinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = DefaultMaxBackoff
		if opts.MaxBackoff < opts.MinBackoff {
			opts.MaxBackoff = opts.MinBackoff
		}
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		db:      opts.DB,
		handler: opts.Handler,
		signal:  opts.Signal,
		min:     opts.MinBackoff,
		max:     opts.MaxBackoff,
		logger:  opts.Logger.With(logpkg.Component("syncsched")),
		now:     opts.Now,
		known:   make(map[string]struct{}),
		tags:    make(map[string]*tagState),
		wake:    make(chan struct{}, 1),
	}
	for _, t := range opts.Handler.Tags() {
		s.known[t] = struct{}{}
	}
	err := s.db.ScanPrefix(keyPrefix, func(k, _ []byte) bool {
		tag := string(k[len(keyPrefix):])
		if _, ok := s.known[tag]; !ok {
			s.logger.Warn("ignoring persisted registration for unknown tag", logpkg.Str("tag", tag))
			return true
		}
		s.tags[tag] = &tagState{nextAt: s.now()}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("syncsched: restore: %w", err)
	}
	return s, nil
}

// Register persists tag and makes it due immediately.
func (s *Scheduler) Register(ctx context.Context, tag string) error {
	if _, ok := s.known[tag]; !ok {
		return fmt.Errorf("%w: %q", reconcile.ErrUnknownTag, tag)
	}
	val, err := json.Marshal(tagRecord{Tag: tag, RegisteredAtMs: s.now().UnixMilli()})
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyTag(tag), val, nil); err != nil {
		return err
	}
	if err := s.db.CommitBatch(ctx, b); err != nil {
		return fmt.Errorf("syncsched: register %s: %w", tag, err)
	}

	s.mu.Lock()
	st, ok := s.tags[tag]
	if !ok {
		st = &tagState{}
		s.tags[tag] = st
	}
	st.seq++
	st.attempts = 0
	st.nextAt = s.now()
	s.mu.Unlock()

	s.logger.Debug("sync registered", logpkg.Str("tag", tag))
	s.poke()
	return nil
}

// RegisterAll registers every known tag.
func (s *Scheduler) RegisterAll(ctx context.Context) error {
	var errs []error
	for _, t := range s.handler.Tags() {
		if err := s.Register(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending lists registered tags in sorted order.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tags))
	for t := range s.tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunDue attempts every due tag once, concurrently, and returns the number of
// attempts. Nothing is attempted while offline.
func (s *Scheduler) RunDue(ctx context.Context) int {
	if !s.signal.Online() {
		return 0
	}
	now := s.now()
	type due struct {
		tag string
		seq uint64
	}
	var todo []due
	s.mu.Lock()
	for t, st := range s.tags {
		if !st.nextAt.After(now) {
			todo = append(todo, due{tag: t, seq: st.seq})
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, d := range todo {
		g.Go(func() error {
			res, err := s.handler.HandleSync(ctx, d.tag)
			s.settle(ctx, d.tag, d.seq, res, err)
			return nil
		})
	}
	_ = g.Wait()
	return len(todo)
}

func (s *Scheduler) settle(ctx context.Context, tag string, seq uint64, res reconcile.PassResult, err error) {
	s.mu.Lock()
	st, ok := s.tags[tag]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err == nil && res.Remaining == 0 && st.seq == seq {
		delete(s.tags, tag)
		s.mu.Unlock()
		if derr := s.db.Delete(keyTag(tag)); derr != nil {
			// the tag comes back on restart and the next empty pass clears it
			s.logger.Warn("failed to clear sync registration", logpkg.Str("tag", tag), logpkg.Err(derr))
		}
		s.logger.Debug("sync complete", logpkg.Str("tag", tag))
		return
	}
	if st.seq != seq {
		// registered again during the pass; stay due
		s.mu.Unlock()
		return
	}
	if !s.signal.Online() || ctx.Err() != nil {
		// went offline mid-pass; not a failed attempt
		st.nextAt = s.now()
		s.mu.Unlock()
		return
	}
	st.attempts++
	delay := Backoff(s.min, s.max, st.attempts)
	st.nextAt = s.now().Add(delay)
	attempts := st.attempts
	s.mu.Unlock()

	fields := []logpkg.Field{
		logpkg.Str("tag", tag),
		logpkg.Int("attempt", attempts),
		logpkg.Duration("retry_in", delay),
		logpkg.Int("remaining", res.Remaining),
	}
	if err != nil {
		fields = append(fields, logpkg.Err(err))
	}
	s.logger.Warn("sync incomplete; will retry", fields...)
}

// ResetBackoff makes every registered tag due now.
func (s *Scheduler) ResetBackoff() {
	s.mu.Lock()
	now := s.now()
	for _, st := range s.tags {
		st.attempts = 0
		st.nextAt = now
	}
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) nextWake() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tags) == 0 {
		return 0, false
	}
	var next time.Time
	for _, st := range s.tags {
		if next.IsZero() || st.nextAt.Before(next) {
			next = st.nextAt
		}
	}
	d := next.Sub(s.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Run drives registrations until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	transitions, cancel := s.signal.Subscribe()
	defer cancel()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.RunDue(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		wait := time.Hour
		if d, ok := s.nextWake(); ok && s.signal.Online() {
			wait = d
			if wait == 0 {
				// every due tag was just attempted; let new work arrive
				wait = s.min
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if tr.Online {
				s.logger.Info("connectivity restored; scheduling sync for all queues")
				if err := s.RegisterAll(ctx); err != nil {
					s.logger.Warn("failed to register sync tags", logpkg.Err(err))
				}
				s.ResetBackoff()
			}
		}
	}
}
