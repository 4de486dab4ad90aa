package reddit

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/socialintel/engine/internal/metrics"
)

// Hybrid prefers the headless browser and falls through to the plain HTTP
// client on any browser-path error. A browser that fails to even start is
// retired for the lifetime of the Hybrid; there is no probing it back.
type Hybrid struct {
	browser API
	client  API
	logger  *zap.Logger

	mu          sync.Mutex
	browserDown bool
}

// NewHybrid composes a browser-first client over an HTTP fallback. Either
// side may be nil; a nil browser starts in the fallen-back state.
func NewHybrid(browser, client API, logger *zap.Logger) *Hybrid {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hybrid{
		browser:     browser,
		client:      client,
		logger:      logger,
		browserDown: browser == nil,
	}
}

func (h *Hybrid) browserAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.browserDown
}

// noteBrowserFailure falls back for this call and, when the session itself
// could not start, retires the browser permanently.
func (h *Hybrid) noteBrowserFailure(err error) {
	metrics.BrowserFallback()
	if !errors.Is(err, ErrBrowserUnavailable) {
		h.logger.Debug("browser fetch failed, using http client for this call", zap.Error(err))
		return
	}
	h.mu.Lock()
	already := h.browserDown
	h.browserDown = true
	h.mu.Unlock()
	if already {
		return
	}
	h.logger.Warn("browser session unavailable, retiring browser", zap.Error(err))
	h.browser.Close()
}

// Close shuts down both underlying clients.
func (h *Hybrid) Close() {
	h.mu.Lock()
	down := h.browserDown
	h.browserDown = true
	h.mu.Unlock()
	if !down && h.browser != nil {
		h.browser.Close()
	}
	if h.client != nil {
		h.client.Close()
	}
}

func (h *Hybrid) SearchPosts(ctx context.Context, q SearchQuery) (Listing, error) {
	if h.browserAvailable() {
		listing, err := h.browser.SearchPosts(ctx, q)
		if err == nil {
			return listing, nil
		}
		h.noteBrowserFailure(err)
	}
	return h.client.SearchPosts(ctx, q)
}

func (h *Hybrid) CommunityAbout(ctx context.Context, community string) (About, error) {
	if h.browserAvailable() {
		about, err := h.browser.CommunityAbout(ctx, community)
		if err == nil {
			return about, nil
		}
		h.noteBrowserFailure(err)
	}
	return h.client.CommunityAbout(ctx, community)
}

func (h *Hybrid) CommunitySearchPosts(ctx context.Context, community string, q SearchQuery) (Listing, error) {
	if h.browserAvailable() {
		listing, err := h.browser.CommunitySearchPosts(ctx, community, q)
		if err == nil {
			return listing, nil
		}
		h.noteBrowserFailure(err)
	}
	return h.client.CommunitySearchPosts(ctx, community, q)
}

func (h *Hybrid) CommunityPosts(ctx context.Context, community string, opts ListOptions) (Listing, error) {
	if h.browserAvailable() {
		listing, err := h.browser.CommunityPosts(ctx, community, opts)
		if err == nil {
			return listing, nil
		}
		h.noteBrowserFailure(err)
	}
	return h.client.CommunityPosts(ctx, community, opts)
}

func (h *Hybrid) Comments(ctx context.Context, postID string, opts CommentOptions) ([]Listing, error) {
	if h.browserAvailable() {
		listings, err := h.browser.Comments(ctx, postID, opts)
		if err == nil {
			return listings, nil
		}
		h.noteBrowserFailure(err)
	}
	return h.client.Comments(ctx, postID, opts)
}
