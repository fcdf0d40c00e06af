package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rzbill/docsync/internal/queuestore"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

var ErrUnknownTag = errors.New("reconcile: unknown sync tag")

// PassResult summarises one reconciliation pass over a queue.
type PassResult struct {
	Queue     queuestore.Name `json:"queue"`
	PassID    string          `json:"passId"`
	Attempted int             `json:"attempted"`
	Synced    int             `json:"synced"`
	Failed    int             `json:"failed"`
	Remaining int             `json:"remaining"`
	FailedIDs []uint64        `json:"failedIds,omitempty"`
}

// Options configures a Reconciler.
type Options struct {
	Queues   queuestore.Queues
	Origin   *url.URL
	Bindings []Binding
	// Client posts entries. Defaults to http.DefaultClient, i.e. no timeout.
	Client *http.Client
	Logger logpkg.Logger
}

type pass struct {
	done chan struct{}
	res  PassResult
	err  error
}

type queueRun struct {
	mu      sync.Mutex
	running bool
	next    *pass
}

// Reconciler drains queues into the origin.
type Reconciler struct {
	queues  queuestore.Queues
	origin  *url.URL
	client  *http.Client
	logger  logpkg.Logger
	byQueue map[queuestore.Name]Binding
	byTag   map[string]Binding
	runs    map[queuestore.Name]*queueRun

	background sync.WaitGroup
}

// New validates the bindings and returns a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Queues == nil {
		return nil, errors.New("reconcile: queues are required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("reconcile: origin URL is required")
	}
	if len(opts.Bindings) == 0 {
		opts.Bindings = DefaultBindings()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	r := &Reconciler{
		queues:  opts.Queues,
		origin:  opts.Origin,
		client:  opts.Client,
		logger:  opts.Logger.With(logpkg.Component("reconcile")),
		byQueue: make(map[queuestore.Name]Binding, len(opts.Bindings)),
		byTag:   make(map[string]Binding, len(opts.Bindings)),
		runs:    make(map[queuestore.Name]*queueRun, len(opts.Bindings)),
	}
	for _, b := range opts.Bindings {
		if b.Queue == "" || b.Tag == "" || b.Endpoint == "" {
			return nil, fmt.Errorf("reconcile: incomplete binding %+v", b)
		}
		if _, dup := r.byQueue[b.Queue]; dup {
			return nil, fmt.Errorf("reconcile: duplicate queue %q", b.Queue)
		}
		if _, dup := r.byTag[b.Tag]; dup {
			return nil, fmt.Errorf("reconcile: duplicate tag %q", b.Tag)
		}
		r.byQueue[b.Queue] = b
		r.byTag[b.Tag] = b
		r.runs[b.Queue] = &queueRun{}
	}
	return r, nil
}

// Tags returns every known sync tag in sorted order.
func (r *Reconciler) Tags() []string {
	out := make([]string, 0, len(r.byTag))
	for t := range r.byTag {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// QueueForTag resolves a sync tag.
func (r *Reconciler) QueueForTag(tag string) (queuestore.Name, bool) {
	b, ok := r.byTag[tag]
	return b.Queue, ok
}

// HandleSync runs a pass for the queue behind tag.
func (r *Reconciler) HandleSync(ctx context.Context, tag string) (PassResult, error) {
	b, ok := r.byTag[tag]
	if !ok {
		return PassResult{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return r.Reconcile(ctx, b.Queue)
}

// ReconcileAll runs one pass per queue concurrently. A failing queue does not
// cancel the others.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]PassResult, error) {
	names := make([]queuestore.Name, 0, len(r.byQueue))
	for n := range r.byQueue {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	results := make([]PassResult, len(names))
	var g errgroup.Group
	for i, n := range names {
		g.Go(func() error {
			res, err := r.Reconcile(ctx, n)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}

// Reconcile runs a pass over queue, or joins the follow-up pass if one is
// already running. The pass itself is detached from ctx: once started it
// covers its whole snapshot. A cancelled ctx only stops the wait.
func (r *Reconciler) Reconcile(ctx context.Context, queue queuestore.Name) (PassResult, error) {
	b, ok := r.byQueue[queue]
	if !ok {
		return PassResult{Queue: queue}, fmt.Errorf("%w: %q", queuestore.ErrUnknownQueue, queue)
	}
	qr := r.runs[queue]
	pctx := context.WithoutCancel(ctx)

	qr.mu.Lock()
	var p *pass
	if qr.running {
		if qr.next == nil {
			qr.next = &pass{done: make(chan struct{})}
		}
		p = qr.next
		qr.mu.Unlock()
	} else {
		qr.running = true
		qr.mu.Unlock()
		p = &pass{done: make(chan struct{})}
		r.start(pctx, b, qr, p)
	}

	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return PassResult{Queue: queue}, ctx.Err()
	}
}

// start runs p in the background, then hands the queue to the coalesced
// follow-up pass, if any.
func (r *Reconciler) start(ctx context.Context, b Binding, qr *queueRun, p *pass) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		p.res, p.err = r.pass(ctx, b)
		close(p.done)
		r.finish(ctx, b, qr)
	}()
}

// finish starts the coalesced follow-up pass, if any, or releases the queue.
func (r *Reconciler) finish(ctx context.Context, b Binding, qr *queueRun) {
	qr.mu.Lock()
	p := qr.next
	qr.next = nil
	if p == nil {
		qr.running = false
		qr.mu.Unlock()
		return
	}
	qr.mu.Unlock()
	r.start(ctx, b, qr, p)
}

// Wait blocks until every pass started in the background is done.
func (r *Reconciler) Wait() { r.background.Wait() }

func (r *Reconciler) pass(ctx context.Context, b Binding) (PassResult, error) {
	res := PassResult{Queue: b.Queue, PassID: uuid.NewString()}
	log := r.logger.With(logpkg.Str("queue", string(b.Queue)), logpkg.Str("pass_id", res.PassID))

	entries, err := r.queues.GetAll(ctx, b.Queue)
	if err != nil {
		log.Error("failed to read queue", logpkg.Err(err))
		return res, fmt.Errorf("reconcile: read %s: %w", b.Queue, err)
	}
	if len(entries) == 0 {
		return res, nil
	}
	start := time.Now()
	log.Info("sync pass started", logpkg.Int("entries", len(entries)))

	deleted := 0
	for _, e := range entries {
		res.Attempted++
		if err := r.submit(ctx, b, e); err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, e.ID)
			log.Warn("failed to sync entry", logpkg.Uint64("id", e.ID), logpkg.Err(err))
			continue
		}
		res.Synced++
		if err := r.queues.Delete(ctx, b.Queue, e.ID); err != nil {
			log.Error("entry synced but not removed; it will be sent again", logpkg.Uint64("id", e.ID), logpkg.Err(err))
			continue
		}
		deleted++
	}
	res.Remaining = len(entries) - deleted

	log.Info("sync pass finished",
		logpkg.Int("synced", res.Synced),
		logpkg.Int("failed", res.Failed),
		logpkg.Int("remaining", res.Remaining),
		logpkg.Duration("took", time.Since(start)))
	return res, nil
}

func (r *Reconciler) submit(ctx context.Context, b Binding, e queuestore.Entry) error {
	body, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	u := r.origin.ResolveReference(&url.URL{Path: b.Endpoint})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", string(b.Queue)+"-"+strconv.FormatUint(e.ID, 10)+"-"+strconv.FormatInt(e.Timestamp, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("origin answered %d", resp.StatusCode)
	}
	return nil
}
