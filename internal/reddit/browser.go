package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrBrowserUnavailable reports that the headless session could not be
// started. Once returned, the Browser will not attempt another startup.
var ErrBrowserUnavailable = errors.New("browser session unavailable")

// BrowserOptions configures the headless-browser client.
type BrowserOptions struct {
	UserAgent         string
	NavigationTimeout time.Duration
	MinInterval       time.Duration
	Host              string
	// Headed disables headless mode, mainly for local debugging.
	Headed bool
	Logger *zap.Logger
}

// Browser fetches provider JSON endpoints through a persistent headless
// Chrome session. The session survives across requests so accumulated
// cookies keep working in the client's favor; it is created lazily on the
// first request.
type Browser struct {
	opts    BrowserOptions
	limiter *rate.Limiter

	mu          sync.Mutex
	allocator   context.Context
	allocCancel context.CancelFunc
	browser     context.Context
	cancel      context.CancelFunc
	initFailed  bool
	closed      bool
}

// NewBrowser builds a Browser. No Chrome process is started until the first
// request. The default host is the lower-friction mirror.
func NewBrowser(opts BrowserOptions) *Browser {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.Host == "" {
		opts.Host = defaultMirrorHost
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return &Browser{opts: opts, limiter: limiter}
}

// ensureSession starts the persistent browser session if needed. A startup
// failure is latched; there is no second attempt.
func (b *Browser) ensureSession() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.initFailed {
		return nil, ErrBrowserUnavailable
	}
	if b.browser != nil {
		return b.browser, nil
	}

	headless := any("new")
	if b.opts.Headed {
		headless = false
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	if err := chromedp.Run(browserCtx, b.hardenAction()); err != nil {
		cancel()
		allocCancel()
		b.initFailed = true
		b.opts.Logger.Warn("headless browser failed to start", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrBrowserUnavailable, err)
	}

	b.allocator = allocCtx
	b.allocCancel = allocCancel
	b.browser = browserCtx
	b.cancel = cancel
	b.opts.Logger.Debug("headless browser session started")
	return b.browser, nil
}

// hardenAction masks the usual automation fingerprints before any page runs
// its own scripts.
func (b *Browser) hardenAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if b.opts.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.opts.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		script := `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3, 4, 5]});
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});`
		if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
			return fmt.Errorf("install stealth script: %w", err)
		}
		return nil
	})
}

// Close tears down the browser session. Safe to call more than once.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browser = nil
	b.allocator = nil
}

// fetchJSON navigates to a JSON endpoint, reads the rendered body text, and
// decodes the JSON payload it contains.
func (b *Browser) fetchJSON(ctx context.Context, path string, params url.Values, v any) error {
	browserCtx, err := b.ensureSession()
	if err != nil {
		return err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("throttle wait: %w", err)
		}
	}

	rawURL := b.opts.Host + path + ".json"
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	taskCtx, cancel := context.WithTimeout(browserCtx, b.opts.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var bodyText string
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Text("body", &bodyText, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("browser fetch %s: %w", path, err)
	}

	payload, ok := jsonPayload(bodyText)
	if !ok {
		return &RequestError{Method: "GET", Path: path, StatusCode: 0, Body: "no JSON payload in rendered page"}
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode browser payload for %s: %w", path, err)
	}
	return nil
}

// jsonPayload pulls the outermost JSON value out of rendered page text. JSON
// endpoints render the document inside the body, sometimes with viewer chrome
// around it.
func jsonPayload(text string) (string, bool) {
	text = strings.TrimSpace(text)
	pair := [2]string{"{", "}"}
	objStart := strings.Index(text, "{")
	arrStart := strings.Index(text, "[")
	if objStart < 0 || (arrStart >= 0 && arrStart < objStart) {
		pair = [2]string{"[", "]"}
	}
	start := strings.Index(text, pair[0])
	end := strings.LastIndex(text, pair[1])
	if start >= 0 && end > start {
		return text[start : end+1], true
	}
	return "", false
}

// SearchPosts runs a global keyword search through the browser.
func (b *Browser) SearchPosts(ctx context.Context, q SearchQuery) (Listing, error) {
	var listing Listing
	if err := b.fetchJSON(ctx, "/search", searchParams(q, false), &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// CommunityAbout fetches community metadata through the browser.
func (b *Browser) CommunityAbout(ctx context.Context, community string) (About, error) {
	var about About
	if err := b.fetchJSON(ctx, "/r/"+community+"/about", nil, &about); err != nil {
		return About{}, err
	}
	return about, nil
}

// CommunitySearchPosts runs a community-restricted search through the browser.
func (b *Browser) CommunitySearchPosts(ctx context.Context, community string, q SearchQuery) (Listing, error) {
	var listing Listing
	if err := b.fetchJSON(ctx, "/r/"+community+"/search", searchParams(q, true), &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// CommunityPosts lists posts from one community through the browser.
func (b *Browser) CommunityPosts(ctx context.Context, community string, opts ListOptions) (Listing, error) {
	sort := opts.Sort
	if sort == "" {
		sort = "top"
	}
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if sort == "top" && opts.TimeFilter != "" {
		params.Set("t", opts.TimeFilter)
	}
	if opts.After != "" {
		params.Set("after", opts.After)
	}
	var listing Listing
	if err := b.fetchJSON(ctx, "/r/"+community+"/"+sort, params, &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// Comments fetches the threaded comments for one post through the browser.
func (b *Browser) Comments(ctx context.Context, postID string, opts CommentOptions) ([]Listing, error) {
	postID = strings.TrimPrefix(postID, "t3_")
	params := url.Values{}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Depth > 0 {
		params.Set("depth", strconv.Itoa(opts.Depth))
	}
	if opts.Sort != "" {
		params.Set("sort", opts.Sort)
	}
	var listings []Listing
	if err := b.fetchJSON(ctx, "/comments/"+postID, params, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}
