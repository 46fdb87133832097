package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultReadinessTTL = 30 * time.Second

// Readiness is a snapshot of the inference services' readiness probes.
type Readiness struct {
	Audio     bool      `json:"audio"`
	Visual    bool      `json:"visual"`
	CheckedAt time.Time `json:"checked_at"`
}

func (r Readiness) AllReady() bool { return r.Audio && r.Visual }

type readyChecker interface {
	Ready(ctx context.Context) error
}

// CachedReadiness probes both services and caches the result for a TTL so
// health checks do not hit the inference services on every request.
type CachedReadiness struct {
	audio  readyChecker
	visual readyChecker
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Readiness
}

func NewCachedReadiness(audio AudioAnalyzer, visual VisualAnalyzer, logger *slog.Logger) *CachedReadiness {
	return &CachedReadiness{
		audio:  audio,
		visual: visual,
		ttl:    defaultReadinessTTL,
		logger: logger,
	}
}

// Get returns the cached snapshot if fresh, otherwise re-probes.
func (c *CachedReadiness) Get(ctx context.Context) Readiness {
	c.mu.RLock()
	if c.cached != nil && time.Since(c.cached.CheckedAt) < c.ttl {
		r := *c.cached
		c.mu.RUnlock()
		return r
	}
	c.mu.RUnlock()

	return c.Refresh(ctx)
}

// Refresh probes both services regardless of cache freshness.
func (c *CachedReadiness) Refresh(ctx context.Context) Readiness {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	r := Readiness{}
	var g errgroup.Group
	g.Go(func() error {
		if err := c.audio.Ready(ctx); err != nil {
			c.logger.Warn("audio service not ready", "error", err)
			return nil
		}
		r.Audio = true
		return nil
	})
	g.Go(func() error {
		if err := c.visual.Ready(ctx); err != nil {
			c.logger.Warn("visual service not ready", "error", err)
			return nil
		}
		r.Visual = true
		return nil
	})
	g.Wait()

	r.CheckedAt = time.Now()
	c.cached = &r
	return r
}

// Pausable is a consumer that can stop taking new work.
type Pausable interface {
	Pause()
	Resume()
	IsPaused() bool
}

// Gate keeps target paused while either service is unready, so queued
// analyses wait instead of burning their retries. It re-probes every
// interval until ctx is done.
func (c *CachedReadiness) Gate(ctx context.Context, target Pausable, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.apply(c.Refresh(ctx), target)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *CachedReadiness) apply(r Readiness, target Pausable) {
	switch {
	case !r.AllReady() && !target.IsPaused():
		c.logger.Warn("inference not ready, pausing analysis", "audio", r.Audio, "visual", r.Visual)
		target.Pause()
	case r.AllReady() && target.IsPaused():
		c.logger.Info("inference ready, resuming analysis")
		target.Resume()
	}
}
