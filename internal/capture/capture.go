// Package capture turns form posts made while offline into queued entries.
//
// A form opts in by naming its queue in the X-Offline-Submit header, in a
// hidden _offline_submit field, or through a configured route. While the
// origin is reachable the request passes through untouched.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/rzbill/docsync/internal/connectivity"
	"github.com/rzbill/docsync/internal/queuestore"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

const (
	HeaderMarker = "X-Offline-Submit"
	FieldMarker  = "_offline_submit"

	defaultMaxFormBytes = 1 << 20
)

// TagRegistrar schedules a deferred sync for a tag.
type TagRegistrar interface {
	Register(ctx context.Context, tag string) error
}

// Options configures Capture.
type Options struct {
	Queues queuestore.Queues
	Signal *connectivity.Signal
	// Tags maps each queue to the sync tag registered after a capture.
	Tags map[queuestore.Name]string
	// Sync is notified after every capture. Optional.
	Sync TagRegistrar
	// Routes maps request paths to queues for forms that carry no marker.
	Routes       map[string]queuestore.Name
	MaxFormBytes int64
	Logger       logpkg.Logger
}

// Capture is the offline form middleware.
type Capture struct {
	queues   queuestore.Queues
	signal   *connectivity.Signal
	tags     map[queuestore.Name]string
	sync     TagRegistrar
	routes   map[string]queuestore.Name
	maxBytes int64
	logger   logpkg.Logger
}

// Result is the JSON body returned for a captured submission.
type Result struct {
	Queued  bool   `json:"queued"`
	Queue   string `json:"queue,omitempty"`
	ID      uint64 `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// New returns a Capture.
func New(opts Options) (*Capture, error) {
	if opts.Queues == nil {
		return nil, errors.New("capture: queues are required")
	}
	if opts.Signal == nil {
		return nil, errors.New("capture: connectivity signal is required")
	}
	if opts.MaxFormBytes <= 0 {
		opts.MaxFormBytes = defaultMaxFormBytes
	}
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	return &Capture{
		queues:   opts.Queues,
		signal:   opts.Signal,
		tags:     opts.Tags,
		sync:     opts.Sync,
		routes:   opts.Routes,
		maxBytes: opts.MaxFormBytes,
		logger:   opts.Logger.With(logpkg.Component("capture")),
	}, nil
}

func isForm(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data"
}

// Middleware captures marked form posts while offline and otherwise calls next.
func (c *Capture) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isForm(r) || c.signal.Online() {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, c.maxBytes+1))
		r.Body.Close()
		if err != nil {
			c.writeResult(w, http.StatusBadRequest, Result{Error: "could not read form"})
			return
		}
		if int64(len(body)) > c.maxBytes {
			c.writeResult(w, http.StatusRequestEntityTooLarge, Result{Error: "form too large to save offline"})
			return
		}
		form, err := parseForm(r, body, c.maxBytes)
		if err != nil {
			c.writeResult(w, http.StatusBadRequest, Result{Error: "could not parse form"})
			return
		}
		queue, ok := c.queueFor(r, form)
		if !ok {
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
			return
		}
		c.enqueue(w, r, queue, Flatten(form))
	})
}

func (c *Capture) queueFor(r *http.Request, form url.Values) (queuestore.Name, bool) {
	if q := strings.TrimSpace(r.Header.Get(HeaderMarker)); q != "" {
		return queuestore.Name(q), true
	}
	if q := strings.TrimSpace(form.Get(FieldMarker)); q != "" {
		return queuestore.Name(q), true
	}
	if q, ok := c.routes[r.URL.Path]; ok {
		return q, true
	}
	return "", false
}

func (c *Capture) enqueue(w http.ResponseWriter, r *http.Request, queue queuestore.Name, data map[string]string) {
	ctx := r.Context()
	e, err := c.queues.Add(ctx, queue, data)
	if err != nil {
		if errors.Is(err, queuestore.ErrUnknownQueue) {
			c.writeResult(w, http.StatusBadRequest, Result{Queue: string(queue), Error: "unknown offline queue"})
			return
		}
		c.logger.Error("failed to save submission offline", logpkg.Str("queue", string(queue)), logpkg.Err(err))
		c.writeResult(w, http.StatusServiceUnavailable, Result{Queue: string(queue), Error: "failed to save data offline"})
		return
	}
	c.logger.Info("captured offline submission",
		logpkg.Str("queue", string(queue)), logpkg.Uint64("id", e.ID), logpkg.Str("path", r.URL.Path))

	if tag, ok := c.tags[queue]; ok && c.sync != nil {
		if err := c.sync.Register(ctx, tag); err != nil {
			// the entry is durable; the next connectivity restore re-registers every tag
			c.logger.Warn("sync registration failed", logpkg.Str("tag", tag), logpkg.Err(err))
		}
	}
	c.writeResult(w, http.StatusAccepted, Result{
		Queued:  true,
		Queue:   string(queue),
		ID:      e.ID,
		Message: "Data saved locally. It will be synced when you're back online.",
	})
}

func (c *Capture) writeResult(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		c.logger.Debug("write capture result", logpkg.Err(err))
	}
}

// parseForm parses body as the form r declares without consuming r.
func parseForm(r *http.Request, body []byte, maxBytes int64) (url.Values, error) {
	pr := r.Clone(r.Context())
	pr.Body = io.NopCloser(bytes.NewReader(body))
	pr.Form, pr.PostForm, pr.MultipartForm = nil, nil, nil
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		if err := pr.ParseMultipartForm(maxBytes); err != nil {
			return nil, err
		}
		defer pr.MultipartForm.RemoveAll()
		return pr.MultipartForm.Value, nil
	}
	if err := pr.ParseForm(); err != nil {
		return nil, err
	}
	return pr.PostForm, nil
}

// Flatten keeps the last value of each field and drops the marker field.
// File parts are not captured.
func Flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k, vs := range form {
		if k == FieldMarker || len(vs) == 0 {
			continue
		}
		out[k] = vs[len(vs)-1]
	}
	return out
}
