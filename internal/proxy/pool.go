// Package proxy maintains a rotating pool of egress proxy endpoints with
// background refresh, disk caching, and provider rate-limit handling.
package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/metrics"
)

// Config controls pool membership sources and refresh behavior.
type Config struct {
	// ListURL points at a newline list, an inline:... literal, or a file:... path.
	ListURL         string
	DefaultScheme   string
	RefreshInterval time.Duration
	Timeout         time.Duration
	PoolSize        int
	CachePath       string
	CacheEnabled    bool
	UserAgent       string
	Provider        ProviderOptions
}

// Pool rotates proxy endpoints round-robin and refreshes membership in the
// background. All membership state is guarded by one mutex.
type Pool struct {
	cfg      Config
	logger   *zap.Logger
	provider *providerClient

	mu        sync.Mutex
	endpoints []string
	cursor    int

	stopOnce sync.Once
	stopc    chan struct{}
	donec    chan struct{}
	started  bool
}

// New builds a Pool and primes it from the cache file when one exists. No
// network calls happen until Start or Refresh.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = "socks5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.PoolSize > 20 {
		cfg.PoolSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		stopc:  make(chan struct{}),
		donec:  make(chan struct{}),
	}
	if cfg.Provider.APIKey != "" {
		p.provider = newProviderClient(cfg.Provider, cfg.PoolSize, cfg.Timeout)
	}
	if cached, err := loadCache(cfg.CachePath, cfg.CacheEnabled); err != nil {
		logger.Warn("proxy cache load failed", zap.Error(err))
	} else if len(cached) > 0 {
		p.endpoints = cached
		logger.Info("loaded proxies from cache", zap.Int("count", len(cached)))
	}
	return p
}

// Count reports current pool membership size.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Next returns the next endpoint round-robin, or "" when the pool is empty.
func (p *Pool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return ""
	}
	endpoint := p.endpoints[p.cursor%len(p.endpoints)]
	p.cursor++
	return endpoint
}

// ReportFailure removes a failing endpoint from the live set. A later refresh
// may reintroduce it; the removal only protects the current run.
func (p *Pool) ReportFailure(endpoint string) {
	if endpoint == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.endpoints {
		if existing != endpoint {
			continue
		}
		p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
		if p.cursor >= len(p.endpoints) {
			p.cursor = 0
		}
		metrics.SetProxyPoolSize(len(p.endpoints))
		p.logger.Info("removed failing proxy", zap.Int("remaining", len(p.endpoints)))
		return
	}
}

// Refresh replaces pool membership wholesale from the configured sources:
// the paid provider first, then the list URL/file/inline source. A fetch that
// yields zero usable endpoints leaves the existing pool untouched.
func (p *Pool) Refresh(ctx context.Context) error {
	var (
		valid      []string
		fetchedAny bool
		lastErr    error
	)

	if p.provider != nil {
		fetched, err := p.provider.Fetch(ctx)
		if err != nil {
			lastErr = err
			p.logger.Warn("provider proxy fetch failed", zap.Error(err))
		} else {
			fetchedAny = true
			for _, line := range fetched {
				if parsed, ok := parseLine(line, p.cfg.DefaultScheme); ok {
					valid = append(valid, parsed)
				}
			}
		}
	}

	// When a provider is configured, remote list URLs are skipped (they are
	// usually the least reliable source), but local inline:/file: sources may
	// still supplement.
	allowFallback := p.cfg.ListURL != "" &&
		(p.provider == nil || isLocalSource(p.cfg.ListURL))

	if len(valid) == 0 && allowFallback {
		raw, err := fetchListSource(ctx, p.cfg.ListURL, p.cfg.Timeout, p.cfg.UserAgent)
		if err != nil {
			lastErr = err
			p.logger.Warn("proxy list fetch failed", zap.Error(err))
		} else {
			fetchedAny = true
			valid = parseListText(raw, p.cfg.DefaultScheme)
		}
	}

	if !fetchedAny {
		if lastErr != nil {
			return fmt.Errorf("refresh proxies: %w", lastErr)
		}
		return nil
	}

	p.mu.Lock()
	oldCount := len(p.endpoints)
	if len(valid) == 0 && oldCount > 0 {
		p.mu.Unlock()
		p.logger.Warn("proxy refresh returned no usable endpoints, keeping existing pool",
			zap.Int("existing", oldCount))
		return nil
	}
	p.endpoints = valid
	if p.cursor >= len(p.endpoints) {
		p.cursor = 0
	}
	p.mu.Unlock()
	metrics.SetProxyPoolSize(len(valid))

	if len(valid) > 0 {
		if err := writeCache(p.cfg.CachePath, p.cfg.CacheEnabled, valid); err != nil {
			p.logger.Warn("proxy cache write failed", zap.Error(err))
		}
	}
	p.logger.Info("proxy pool refreshed",
		zap.Int("count", len(valid)), zap.Int("was", oldCount))
	return nil
}

// Start performs an immediate refresh and launches the periodic refresh loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("initial proxy refresh failed", zap.Error(err))
	}

	interval := p.cfg.RefreshInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go p.refreshLoop(interval)
}

func (p *Pool) refreshLoop(interval time.Duration) {
	defer close(p.donec)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopc:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("periodic proxy refresh failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop signals the refresh loop and joins it with a bounded wait. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopc) })

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}

	select {
	case <-p.donec:
	case <-time.After(5 * time.Second):
		p.logger.Warn("proxy refresh loop did not stop in time")
	}
}
