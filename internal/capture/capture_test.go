package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/docsync/internal/connectivity"
	"github.com/rzbill/docsync/internal/queuestore"
	pebblestore "github.com/rzbill/docsync/internal/storage/pebble"
)

type recordingSync struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingSync) Register(_ context.Context, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return nil
}

type fixture struct {
	store   *queuestore.Store
	signal  *connectivity.Signal
	sync    *recordingSync
	handler http.Handler
	passed  *[]string
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := queuestore.Open(db, queuestore.DefaultNames(), nil)
	require.NoError(t, err)

	sig := connectivity.NewSignal(online)
	rs := &recordingSync{}
	c, err := New(Options{
		Queues: store,
		Signal: sig,
		Sync:   rs,
		Tags: map[queuestore.Name]string{
			queuestore.PendingPatients:     "sync-patients",
			queuestore.PendingAppointments: "sync-appointments",
		},
		Routes: map[string]queuestore.Name{"/appointments/new/": queuestore.PendingAppointments},
	})
	require.NoError(t, err)

	var passed []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		passed = append(passed, string(b))
		w.WriteHeader(http.StatusFound)
	})
	return &fixture{store: store, signal: sig, sync: rs, handler: c.Middleware(next), passed: &passed}
}

func formRequest(path string, form url.Values, marker string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if marker != "" {
		r.Header.Set(HeaderMarker, marker)
	}
	return r
}

func TestOfflineCaptureGoesToOneQueue(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/patients/new/", url.Values{"first_name": {"Ann"}, "last_name": {"Lee"}}, "pending-patients"))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Queued)
	assert.Equal(t, "pending-patients", res.Queue)
	assert.Equal(t, uint64(1), res.ID)

	ctx := context.Background()
	pats, err := f.store.GetAll(ctx, queuestore.PendingPatients)
	require.NoError(t, err)
	require.Len(t, pats, 1)
	assert.Equal(t, map[string]string{"first_name": "Ann", "last_name": "Lee"}, pats[0].Data)
	assert.NotZero(t, pats[0].Timestamp)

	appts, err := f.store.GetAll(ctx, queuestore.PendingAppointments)
	require.NoError(t, err)
	assert.Empty(t, appts)
	assert.Equal(t, []string{"sync-patients"}, f.sync.tags)
	assert.Empty(t, *f.passed)
}

func TestOnlinePassesThroughWithBody(t *testing.T) {
	f := newFixture(t, true)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/patients/new/", url.Values{"first_name": {"Ann"}}, "pending-patients"))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"first_name=Ann"}, *f.passed)
	n, err := f.store.Count(context.Background(), queuestore.PendingPatients)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnmarkedOfflineFormPassesThrough(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/login/", url.Values{"user": {"x"}}, ""))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"user=x"}, *f.passed)
}

func TestHiddenFieldAndRouteMarkers(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/p/", url.Values{FieldMarker: {"pending-patients"}, "a": {"1", "2"}}, ""))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/appointments/new/", url.Values{"reason": {"checkup"}}, ""))
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx := context.Background()
	pats, _ := f.store.GetAll(ctx, queuestore.PendingPatients)
	require.Len(t, pats, 1)
	assert.Equal(t, map[string]string{"a": "2"}, pats[0].Data, "last value wins and the marker is dropped")
	appts, _ := f.store.GetAll(ctx, queuestore.PendingAppointments)
	require.Len(t, appts, 1)
}

func TestUnknownQueueIsRejected(t *testing.T) {
	f := newFixture(t, false)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, formRequest("/x/", url.Values{"a": {"1"}}, "pending-invoices"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMultipartCapture(t *testing.T) {
	f := newFixture(t, false)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("first_name", "Ann"))
	require.NoError(t, mw.WriteField(FieldMarker, "pending-patients"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/patients/new/", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusAccepted, rec.Code)

	pats, _ := f.store.GetAll(context.Background(), queuestore.PendingPatients)
	require.Len(t, pats, 1)
	assert.Equal(t, "Ann", pats[0].Data["first_name"])
}
