package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/docsync/internal/config"
	"github.com/rzbill/docsync/internal/queuestore"
	"github.com/rzbill/docsync/internal/worker"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

func newTestServer(t *testing.T) (*Server, *worker.Worker) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/") {
			w.WriteHeader(http.StatusCreated)
			return
		}
		_, _ = io.WriteString(w, "page:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	cfg := cfgpkg.Default()
	cfg.Origin = origin.URL
	cfg.DataDir = t.TempDir()
	cfg.Offline.ProbeInterval = 0
	logger, _ := logpkg.ApplyConfig(&logpkg.Config{Level: "error", Format: "text"})
	w, err := worker.Open(worker.Options{Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("worker open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
	return New(w, logger), w
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/__docsync/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestProxyFallsThroughToOrigin(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/patients/", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "page:/patients/" {
		t.Fatalf("proxy: %d %q", rec.Code, rec.Body.String())
	}
}

func TestOfflineCaptureListAndClear(t *testing.T) {
	s, w := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/__docsync/connectivity", `{"online":false}`); rec.Code != http.StatusOK {
		t.Fatalf("set offline: %d", rec.Code)
	}
	form := url.Values{"first_name": {"Ann"}, "last_name": {"Lee"}}
	req := httptest.NewRequest(http.MethodPost, "/patients/new/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Offline-Submit", "pending-patients")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("capture: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, s, http.MethodGet, "/__docsync/queues/pending-patients", "")
	var list struct {
		Entries []queuestore.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Entries) != 1 {
		t.Fatalf("entries: %s", rec.Body.String())
	}
	if list.Entries[0].Data["first_name"] != "Ann" {
		t.Fatalf("unexpected entry %+v", list.Entries[0])
	}

	if rec := do(t, s, http.MethodGet, "/__docsync/queues/pending-invoices", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown queue: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/__docsync/queues/pending-patients", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("clear: %d", rec.Code)
	}
	if n, _ := w.Queues.Count(context.Background(), queuestore.PendingPatients); n != 0 {
		t.Fatalf("expected cleared queue, got %d", n)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s, w := newTestServer(t)
	if _, err := w.Queues.Add(context.Background(), queuestore.PendingAppointments, map[string]string{"reason": "checkup"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec := do(t, s, http.MethodPost, "/__docsync/sync", `{"tag":"sync-appointments"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	if n, _ := w.Queues.Count(context.Background(), queuestore.PendingAppointments); n != 0 {
		t.Fatalf("expected drained queue, got %d", n)
	}
	if rec := do(t, s, http.MethodPost, "/__docsync/sync", `{"tag":"sync-invoices"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown tag: %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/__docsync/sync", ""); rec.Code != http.StatusOK {
		t.Fatalf("sync all: %d", rec.Code)
	}
}

func TestPushAndClickRedirect(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/__docsync/push", `{"title":"Lab results","body":"Ready","url":"/patients/9/"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("push: %d %s", rec.Code, rec.Body.String())
	}
	var n struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil || n.ID == "" {
		t.Fatalf("notification: %s", rec.Body.String())
	}
	rec = do(t, s, http.MethodGet, "/__docsync/notifications/"+n.ID+"/click", "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/patients/9/" {
		t.Fatalf("click: %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := do(t, s, http.MethodPost, "/__docsync/push", `{"body":"missing title"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid push: %d", rec.Code)
	}
}

func TestInstallAndActivateEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := do(t, s, http.MethodPost, "/__docsync/install", ""); rec.Code != http.StatusOK {
		t.Fatalf("install: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, http.MethodPost, "/__docsync/activate", ""); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d", rec.Code)
	}
}
