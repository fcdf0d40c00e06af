package connectivity

import (
	"context"
	"net/http"
	"net/url"
	"time"

	logpkg "github.com/rzbill/docsync/pkg/log"
)

// Prober periodically checks the origin and drives a Signal. Any HTTP answer
// counts as reachable; only transport errors mean offline.
type Prober struct {
	Signal   *Signal
	URL      *url.URL
	Interval time.Duration
	Client   *http.Client
	Logger   logpkg.Logger
}

// ProbeOnce issues a single HEAD request and updates the signal.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL.String(), nil)
	if err == nil {
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = true
		} else if p.Logger != nil {
			p.Logger.Debug("origin probe failed", logpkg.Str("url", p.URL.String()), logpkg.Err(err))
		}
	}
	if ctx.Err() != nil {
		return p.Signal.Online()
	}
	if p.Signal.Set(online, "probe") && p.Logger != nil {
		p.Logger.Info("connectivity changed", logpkg.Bool("online", online))
	}
	return online
}

// Run probes until ctx is done. A non-positive interval disables probing.
func (p *Prober) Run(ctx context.Context) {
	if p.Interval <= 0 {
		return
	}
	p.ProbeOnce(ctx)
	t := time.NewTicker(p.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.ProbeOnce(ctx)
		}
	}
}
