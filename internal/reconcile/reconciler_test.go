package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/docsync/internal/queuestore"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
)

// recordingOrigin stores every POSTed body and answers with status(n) where n
// counts requests to that path starting at 1.
type recordingOrigin struct {
	mu     sync.Mutex
	bodies map[string][]map[string]string
	counts map[string]int
	status func(path string, n int) int
}

func newOrigin(t *testing.T, status func(path string, n int) int) (*recordingOrigin, *url.URL) {
	t.Helper()
	o := &recordingOrigin{bodies: map[string][]map[string]string{}, counts: map[string]int{}, status: status}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return o, u
}

func (o *recordingOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	var data map[string]string
	_ = json.Unmarshal(b, &data)
	o.mu.Lock()
	o.counts[r.URL.Path]++
	n := o.counts[r.URL.Path]
	o.bodies[r.URL.Path] = append(o.bodies[r.URL.Path], data)
	o.mu.Unlock()
	code := http.StatusCreated
	if o.status != nil {
		code = o.status(r.URL.Path, n)
	}
	w.WriteHeader(code)
}

func (o *recordingOrigin) received(path string) []map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]map[string]string(nil), o.bodies[path]...)
}

func newStore(t *testing.T) *queuestore.Store {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := queuestore.Open(db, queuestore.DefaultNames(), nil)
	require.NoError(t, err)
	return s
}

func add(t *testing.T, s queuestore.Queues, q queuestore.Name, name string) queuestore.Entry {
	t.Helper()
	e, err := s.Add(context.Background(), q, map[string]string{"name": name})
	require.NoError(t, err)
	return e
}

func TestPassIsFIFOAndDeletesAccepted(t *testing.T) {
	origin, u := newOrigin(t, nil)
	store := newStore(t)
	for _, n := range []string{"e1", "e2", "e3"} {
		add(t, store, queuestore.PendingPatients, n)
	}
	r, err := New(Options{Queues: store, Origin: u})
	require.NoError(t, err)

	res, err := r.Reconcile(context.Background(), queuestore.PendingPatients)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 3, res.Synced)
	assert.Zero(t, res.Remaining)
	assert.NotEmpty(t, res.PassID)

	got := origin.received("/api/patients/")
	require.Len(t, got, 3)
	assert.Equal(t, "e1", got[0]["name"])
	assert.Equal(t, "e2", got[1]["name"])
	assert.Equal(t, "e3", got[2]["name"])

	left, _ := store.GetAll(context.Background(), queuestore.PendingPatients)
	assert.Empty(t, left)
}

func TestPartialFailureDoesNotBlockLaterEntries(t *testing.T) {
	origin, u := newOrigin(t, func(_ string, n int) int {
		if n == 2 {
			return http.StatusInternalServerError
		}
		return http.StatusCreated
	})
	store := newStore(t)
	add(t, store, queuestore.PendingAppointments, "a1")
	failing := add(t, store, queuestore.PendingAppointments, "a2")
	add(t, store, queuestore.PendingAppointments, "a3")

	r, err := New(Options{Queues: store, Origin: u})
	require.NoError(t, err)
	res, err := r.HandleSync(context.Background(), TagAppointments)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempted)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []uint64{failing.ID}, res.FailedIDs)
	assert.Equal(t, 1, res.Remaining)
	assert.Len(t, origin.received("/api/appointments/"), 3)

	left, _ := store.GetAll(context.Background(), queuestore.PendingAppointments)
	require.Len(t, left, 1)
	assert.Equal(t, "a2", left[0].Data["name"])

	// next pass retries the survivor
	res, err = r.HandleSync(context.Background(), TagAppointments)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Zero(t, res.Remaining)
}

func TestUnreachableOriginLosesNothing(t *testing.T) {
	_, u := newOrigin(t, nil)
	dead := *u
	dead.Host = "127.0.0.1:1"
	store := newStore(t)
	add(t, store, queuestore.PendingPatients, "p1")
	add(t, store, queuestore.PendingPatients, "p2")

	r, err := New(Options{Queues: store, Origin: &dead, Client: &http.Client{Timeout: time.Second}})
	require.NoError(t, err)
	res, err := r.Reconcile(context.Background(), queuestore.PendingPatients)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Remaining)

	left, _ := store.GetAll(context.Background(), queuestore.PendingPatients)
	assert.Len(t, left, 2)
}

// failingDeletes wraps a store and refuses every delete.
type failingDeletes struct{ queuestore.Queues }

func (failingDeletes) Delete(context.Context, queuestore.Name, uint64) error {
	return errors.New("disk full")
}

func TestDeleteFailureResubmitsNextPass(t *testing.T) {
	origin, u := newOrigin(t, nil)
	store := newStore(t)
	add(t, store, queuestore.PendingPatients, "p1")

	r, err := New(Options{Queues: failingDeletes{store}, Origin: u})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		res, err := r.Reconcile(context.Background(), queuestore.PendingPatients)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Synced)
		assert.Equal(t, 1, res.Remaining)
	}
	assert.Len(t, origin.received("/api/patients/"), 2)
}

func TestUnknownTagAndQueue(t *testing.T) {
	_, u := newOrigin(t, nil)
	r, err := New(Options{Queues: newStore(t), Origin: u})
	require.NoError(t, err)
	_, err = r.HandleSync(context.Background(), "sync-pending-patients")
	assert.ErrorIs(t, err, ErrUnknownTag)
	_, err = r.Reconcile(context.Background(), "pending-invoices")
	assert.ErrorIs(t, err, queuestore.ErrUnknownQueue)
	assert.Equal(t, []string{TagAppointments, TagPatients}, r.Tags())
}

func TestReconcileAllDrainsBothQueues(t *testing.T) {
	origin, u := newOrigin(t, nil)
	store := newStore(t)
	add(t, store, queuestore.PendingPatients, "p1")
	add(t, store, queuestore.PendingAppointments, "a1")
	r, err := New(Options{Queues: store, Origin: u})
	require.NoError(t, err)

	results, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, 1, res.Synced)
	}
	assert.Len(t, origin.received("/api/patients/"), 1)
	assert.Len(t, origin.received("/api/appointments/"), 1)
}

func TestConcurrentTriggersCoalesce(t *testing.T) {
	release := make(chan struct{})
	var entered atomic.Int32
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		if entered.Add(1) == 1 {
			<-release
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)

	store := newStore(t)
	add(t, store, queuestore.PendingPatients, "p1")
	r, err := New(Options{Queues: store, Origin: u})
	require.NoError(t, err)

	ctx := context.Background()
	first := make(chan PassResult, 1)
	go func() {
		res, _ := r.Reconcile(ctx, queuestore.PendingPatients)
		first <- res
	}()
	require.Eventually(t, func() bool { return entered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// entry captured during the running pass waits for the follow-up
	add(t, store, queuestore.PendingPatients, "p2")
	followers := make(chan PassResult, 3)
	for i := 0; i < 3; i++ {
		go func() {
			res, _ := r.Reconcile(ctx, queuestore.PendingPatients)
			followers <- res
		}()
	}
	// give the followers time to join before the first pass ends
	time.Sleep(50 * time.Millisecond)
	close(release)

	res := <-first
	assert.Equal(t, 1, res.Attempted)
	var ids []string
	for i := 0; i < 3; i++ {
		f := <-followers
		assert.Equal(t, 1, f.Synced)
		ids = append(ids, f.PassID)
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])
	r.Wait()
	assert.Equal(t, int32(2), posts.Load())
}

func TestCallerCancellationDoesNotCutPassShort(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			entered <- struct{}{}
			<-release
		}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)

	store := newStore(t)
	for _, n := range []string{"a1", "a2", "a3"} {
		add(t, store, queuestore.PendingPatients, n)
	}
	r, err := New(Options{Queues: store, Origin: u})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(ctx, queuestore.PendingPatients)
		errc <- err
	}()
	<-entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(release)
	r.Wait()
	assert.Equal(t, int32(3), posts.Load())
	left, err := store.GetAll(context.Background(), queuestore.PendingPatients)
	require.NoError(t, err)
	assert.Empty(t, left)
}
