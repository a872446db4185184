package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Prober periodically GETs a URL and feeds the result into an Observer.
// Any status below 500 counts as reachable: the server answered.
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	observer *Observer
	logger   *slog.Logger

	lastCheck  atomic.Int64 // unix millis
	lastLatMs  atomic.Int64
	checkCount atomic.Int64
	failCount  atomic.Int64
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the probe period. Default: 10s.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithHTTPClient overrides the client. The default has a 5s timeout.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber returns a Prober that reports reachability of url to obs.
func NewProber(url string, obs *Observer, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		interval: 10 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		observer: obs,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe, updates the observer and returns the result.
func (p *Prober) Check(ctx context.Context) bool {
	p.checkCount.Add(1)
	start := time.Now()
	p.lastCheck.Store(start.UnixMilli())

	ok := p.probe(ctx)
	if ok {
		p.lastLatMs.Store(time.Since(start).Milliseconds())
	} else {
		p.failCount.Add(1)
	}
	if ok != p.observer.Online() {
		p.logger.Info("connectivity: state changed", "online", ok, "url", p.url)
	}
	p.observer.SetOnline(ok)
	return ok
}

func (p *Prober) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("connectivity: bad probe request", "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("connectivity: probe failed", "error", err, "url", p.url)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Status returns a JSON-serializable summary.
func (p *Prober) Status() map[string]any {
	return map[string]any{
		"url":         p.url,
		"online":      p.observer.Online(),
		"last_check":  p.lastCheck.Load(),
		"latency_ms":  p.lastLatMs.Load(),
		"check_count": p.checkCount.Load(),
		"fail_count":  p.failCount.Load(),
	}
}
