package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/rzbill/docsync/internal/push"
	"github.com/rzbill/docsync/internal/queuestore"
	"github.com/rzbill/docsync/internal/reconcile"
	"github.com/rzbill/docsync/internal/worker"
	"github.com/rzbill/docsync/pkg/id"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

// AdminPrefix is the path prefix of the admin endpoints.
const AdminPrefix = "/__docsync"

type Server struct {
	w      *worker.Worker
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

func New(w *worker.Worker, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &Server{w: w, logger: logger.With(logpkg.Component("http"))}
	s.srv = &http.Server{Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route(AdminPrefix, func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/queues", s.handleQueues)
		r.Get("/queues/{name}", s.handleQueueEntries)
		r.Delete("/queues/{name}", s.handleQueueClear)
		r.Post("/sync", s.handleSync)
		r.Get("/connectivity", s.handleConnectivity)
		r.Post("/connectivity", s.handleSetConnectivity)
		r.Post("/push", s.handlePush)
		r.Get("/notifications", s.handleNotifications)
		r.Get("/notifications/{id}/click", s.handleNotificationClick)
		r.Post("/install", s.handleInstall)
		r.Post("/activate", s.handleActivate)
	})
	r.Handle("/*", s.w.Handler())
	return r
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

type ctxKey struct{}

// requestID tags each request with X-Request-Id, generating one if absent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, rid)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		rid, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug("http request",
			logpkg.Str(logpkg.RequestIDKey, rid),
			logpkg.Str("method", r.Method),
			logpkg.Str("path", r.URL.Path),
			logpkg.Int("status", ww.Status()),
			logpkg.Int("bytes", ww.BytesWritten()),
			logpkg.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.w.CheckHealth(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"online":      s.w.Online(),
		"installed":   s.w.Lifecycle.Installed(),
		"generation":  s.w.Cache.CurrentName(),
		"pendingSync": s.w.Scheduler.Pending(),
	})
}

type queueInfo struct {
	Name  string `json:"name"`
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	tags := map[string]string{}
	for _, q := range s.w.Config().Queues {
		tags[q.Name] = q.Tag
	}
	var out []queueInfo
	for _, n := range s.w.Queues.Names() {
		c, err := s.w.Queues.Count(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out = append(out, queueInfo{Name: string(n), Tag: tags[string(n)], Count: c})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func queueStatus(err error) int {
	if errors.Is(err, queuestore.ErrUnknownQueue) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleQueueEntries(w http.ResponseWriter, r *http.Request) {
	name := queuestore.Name(chi.URLParam(r, "name"))
	entries, err := s.w.Queues.GetAll(r.Context(), name)
	if err != nil {
		writeError(w, queueStatus(err), err)
		return
	}
	if entries == nil {
		entries = []queuestore.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "entries": entries})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	name := queuestore.Name(chi.URLParam(r, "name"))
	if err := s.w.Queues.Clear(r.Context(), name); err != nil {
		writeError(w, queueStatus(err), err)
		return
	}
	s.logger.Warn("queue cleared by operator", logpkg.Str("queue", string(name)))
	w.WriteHeader(http.StatusNoContent)
}

type syncReq struct {
	Tag string `json:"tag"`
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncReq
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.w.Do(r.Context(), worker.Event{Kind: worker.KindSync, Tag: req.Tag})
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrUnknownTag):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	var results []reconcile.PassResult
	switch x := v.(type) {
	case reconcile.PassResult:
		results = []reconcile.PassResult{x}
	case []reconcile.PassResult:
		results = x
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.w.Online()})
}

type connectivityReq struct {
	Online *bool `json:"online"`
}

func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"online": true|false}`))
		return
	}
	kind := worker.KindOffline
	if *req.Online {
		kind = worker.KindOnline
	}
	v, err := s.w.Do(r.Context(), worker.Event{Kind: kind})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	changed, _ := v.(bool)
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.w.Online(), "changed": changed})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.w.Do(r.Context(), worker.Event{Kind: worker.KindPush, Payload: raw})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, push.ErrInvalidPayload) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.w.Push.Open()})
}

func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	nid, err := id.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	v, err := s.w.Do(r.Context(), worker.Event{Kind: worker.KindNotificationClick, Notification: nid})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, push.ErrNotificationNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	target, _ := v.(string)
	if target == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	if _, err := s.w.Do(r.Context(), worker.Event{Kind: worker.KindInstall}); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"installed": true, "generation": s.w.Cache.CurrentName()})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	v, err := s.w.Do(r.Context(), worker.Event{Kind: worker.KindActivate})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	deleted, _ := v.([]string)
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}
