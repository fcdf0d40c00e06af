// Package push receives push messages and tracks the notifications they raise.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/docsync/pkg/id"
	logpkg "github.com/rzbill/docsync/pkg/log"
)

const (
	DefaultIcon      = "/static/images/logo.png"
	DefaultBadge     = "/static/images/badge.png"
	DefaultInboxSize = 100
)

var (
	ErrInvalidPayload       = errors.New("push: invalid payload")
	ErrNotificationNotFound = errors.New("push: notification not found")
)

// Payload is the JSON body of a push message.
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Notification is a displayed payload.
type Notification struct {
	ID           id.ID  `json:"id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	URL          string `json:"url,omitempty"`
	Icon         string `json:"icon"`
	Badge        string `json:"badge"`
	ReceivedAtMs int64  `json:"receivedAtMs"`
}

// Renderer shows a notification to the user.
type Renderer interface {
	Render(ctx context.Context, n Notification) error
}

// LogRenderer writes notifications to the log.
type LogRenderer struct{ Logger logpkg.Logger }

func (r LogRenderer) Render(_ context.Context, n Notification) error {
	r.Logger.Info("notification",
		logpkg.Str("id", n.ID.String()),
		logpkg.Str("title", n.Title),
		logpkg.Str("body", n.Body),
		logpkg.Str("url", n.URL))
	return nil
}

// Options configures a Center.
type Options struct {
	Renderer  Renderer
	Icon      string
	Badge     string
	InboxSize int
	Logger    logpkg.Logger
}

// Center keeps the open notifications, oldest evicted first.
type Center struct {
	renderer Renderer
	icon     string
	badge    string
	size     int
	ids      *id.Generator
	logger   logpkg.Logger

	mu    sync.Mutex
	open  map[id.ID]Notification
	order []id.ID
}

// NewCenter returns a Center; zero options get the defaults.
func NewCenter(opts Options) *Center {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	logger := opts.Logger.With(logpkg.Component("push"))
	if opts.Renderer == nil {
		opts.Renderer = LogRenderer{Logger: logger}
	}
	if opts.Icon == "" {
		opts.Icon = DefaultIcon
	}
	if opts.Badge == "" {
		opts.Badge = DefaultBadge
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	return &Center{
		renderer: opts.Renderer,
		icon:     opts.Icon,
		badge:    opts.Badge,
		size:     opts.InboxSize,
		ids:      id.NewGenerator(),
		logger:   logger,
		open:     make(map[id.ID]Notification),
	}
}

// Receive parses raw, renders it and records it as open.
func (c *Center) Receive(ctx context.Context, raw []byte) (Notification, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if p.Title == "" {
		return Notification{}, fmt.Errorf("%w: title is required", ErrInvalidPayload)
	}
	n := Notification{
		ID:           c.ids.Next(),
		Title:        p.Title,
		Body:         p.Body,
		URL:          p.URL,
		Icon:         c.icon,
		Badge:        c.badge,
		ReceivedAtMs: time.Now().UnixMilli(),
	}
	if err := c.renderer.Render(ctx, n); err != nil {
		return Notification{}, fmt.Errorf("push: render: %w", err)
	}

	c.mu.Lock()
	c.open[n.ID] = n
	c.order = append(c.order, n.ID)
	for len(c.order) > c.size {
		delete(c.open, c.order[0])
		c.order = c.order[1:]
	}
	c.mu.Unlock()
	return n, nil
}

// Click closes the notification and returns the URL to open. An empty URL
// means nothing to navigate to.
func (c *Center) Click(nid id.ID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.open[nid]
	if !ok {
		return "", ErrNotificationNotFound
	}
	delete(c.open, nid)
	for i, o := range c.order {
		if o == nid {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.logger.Debug("notification clicked", logpkg.Str("id", nid.String()), logpkg.Str("url", n.URL))
	return n.URL, nil
}

// Open lists open notifications, oldest first.
func (c *Center) Open() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Notification, 0, len(c.order))
	for _, nid := range c.order {
		out = append(out, c.open[nid])
	}
	return out
}
