// Package reddit implements the fetch clients for the content provider:
// an authenticated/anonymous HTTP client, a headless-browser client, and a
// hybrid that composes the two.
package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/socialintel/engine/internal/metrics"
	"github.com/socialintel/engine/internal/useragent"
)

const (
	defaultAuthHost   = "https://oauth.reddit.com"
	defaultHost       = "https://www.reddit.com"
	defaultMirrorHost = "https://old.reddit.com"
	defaultTokenURL   = "https://www.reddit.com/api/v1/access_token"

	// maxProxyAttempts caps distinct proxies tried per host before the
	// client falls through to a direct connection.
	maxProxyAttempts = 5

	// tokenExpiryMargin refreshes slightly early to avoid edge-of-expiry
	// failures mid-request.
	tokenExpiryMargin = 15 * time.Second
)

// Rotator is the proxy pool surface the client depends on.
type Rotator interface {
	Next() string
	ReportFailure(endpoint string)
}

// Options configures the HTTP client.
type Options struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string
	Timeout      time.Duration
	MinInterval  time.Duration
	Rotator      Rotator
	Logger       *zap.Logger

	// Host overrides are primarily for testing.
	AuthHost   string
	Host       string
	MirrorHost string
	TokenURL   string
}

// Client talks to the provider's JSON API. With full OAuth credentials it
// targets the authenticated host with a bearer token; otherwise it operates
// anonymously against the public host with a mirror fallback.
type Client struct {
	opts     Options
	useOAuth bool
	limiter  *rate.Limiter
	direct   *http.Client
	logger   *zap.Logger

	mu    sync.Mutex
	token *credential
}

type credential struct {
	accessToken string
	tokenType   string
	expiresAt   time.Time
}

func (c *credential) expired() bool {
	return !time.Now().Before(c.expiresAt.Add(-tokenExpiryMargin))
}

// NewClient validates options and builds a Client. No network calls happen
// until the first request.
func NewClient(opts Options) (*Client, error) {
	if opts.UserAgent == "" {
		return nil, &ConfigError{Reason: "missing user agent"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.AuthHost == "" {
		opts.AuthHost = defaultAuthHost
	}
	if opts.Host == "" {
		opts.Host = defaultHost
	}
	if opts.MirrorHost == "" {
		opts.MirrorHost = defaultMirrorHost
	}
	if opts.TokenURL == "" {
		opts.TokenURL = defaultTokenURL
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if opts.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}

	useOAuth := opts.ClientID != "" && opts.ClientSecret != "" &&
		opts.Username != "" && opts.Password != ""

	return &Client{
		opts:     opts,
		useOAuth: useOAuth,
		limiter:  limiter,
		direct:   &http.Client{Timeout: opts.Timeout},
		logger:   opts.Logger,
	}, nil
}

// Close releases idle connections held by the direct client.
func (c *Client) Close() {
	c.direct.CloseIdleConnections()
}

func (c *Client) bases() []string {
	if c.useOAuth {
		return []string{c.opts.AuthHost}
	}
	return []string{c.opts.Host, c.opts.MirrorHost}
}

// jsonPath appends the anonymous-endpoint suffix when no OAuth is in play.
func (c *Client) jsonPath(path string) string {
	if c.useOAuth {
		return path
	}
	return path + ".json"
}

func (c *Client) httpClientFor(endpoint string) (*http.Client, error) {
	if endpoint == "" {
		return c.direct, nil
	}
	proxyURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse proxy endpoint: %w", err)
	}
	return &http.Client{
		Timeout: c.opts.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}, nil
}

func (c *Client) userAgentFor(proxied bool) string {
	// Randomize the agent on proxied requests for better anonymity.
	if proxied {
		return useragent.Random()
	}
	return c.opts.UserAgent
}

// fetchToken obtains or reuses a bearer token, refreshing within the expiry
// margin.
func (c *Client) fetchToken(ctx context.Context, proxied bool) (*credential, error) {
	if !c.useOAuth {
		return nil, &ConfigError{Reason: "oauth credentials not configured"}
	}

	c.mu.Lock()
	if c.token != nil && !c.token.expired() {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", c.opts.Username)
	form.Set("password", c.opts.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.opts.ClientID, c.opts.ClientSecret)
	req.Header.Set("User-Agent", c.userAgentFor(proxied))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.direct.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		AccessToken string  `json:"access_token"`
		TokenType   string  `json:"token_type"`
		ExpiresIn   float64 `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: "malformed token response"}
	}
	if payload.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: "token response missing access_token"}
	}
	if payload.TokenType == "" {
		payload.TokenType = "bearer"
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}

	token := &credential{
		accessToken: payload.AccessToken,
		tokenType:   payload.TokenType,
		expiresAt:   time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *Client) authHeaders(ctx context.Context, proxied bool) (http.Header, error) {
	headers := http.Header{}
	headers.Set("User-Agent", c.userAgentFor(proxied))
	if !c.useOAuth {
		headers.Set("Accept", "application/json")
		return headers, nil
	}
	token, err := c.fetchToken(ctx, proxied)
	if err != nil {
		return nil, err
	}
	headers.Set("Authorization", "Bearer "+token.accessToken)
	return headers, nil
}

// doOnce executes one request over one connection path (proxied or direct),
// handling the single 401 token retry and post-response rate-limit sleeps.
func (c *Client) doOnce(ctx context.Context, endpoint, rawURL string, params url.Values) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("throttle wait: %w", err)
		}
	}

	httpClient, err := c.httpClientFor(endpoint)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		defer httpClient.CloseIdleConnections()
	}

	proxied := endpoint != ""
	resp, err := c.send(ctx, httpClient, rawURL, params, proxied)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.useOAuth {
		// Token expired or revoked; refresh once and retry.
		drainAndClose(resp)
		c.invalidateToken()
		resp, err = c.send(ctx, httpClient, rawURL, params, proxied)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		sleepContext(ctx, 2*time.Second)
	}
	c.maybeSleepForRateLimit(ctx, resp)
	return resp, nil
}

func (c *Client) send(ctx context.Context, httpClient *http.Client, rawURL string, params url.Values, proxied bool) (*http.Response, error) {
	headers, err := c.authHeaders(ctx, proxied)
	if err != nil {
		return nil, err
	}

	requestURL := rawURL
	if len(params) > 0 {
		requestURL = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	return httpClient.Do(req)
}

// maybeSleepForRateLimit honors the provider's remaining/reset headers with a
// bounded sleep when the budget runs low.
func (c *Client) maybeSleepForRateLimit(ctx context.Context, resp *http.Response) {
	remaining, err1 := strconv.ParseFloat(resp.Header.Get("X-Ratelimit-Remaining"), 64)
	reset, err2 := strconv.ParseFloat(resp.Header.Get("X-Ratelimit-Reset"), 64)
	if err1 != nil || err2 != nil {
		return
	}
	if remaining < 5 && reset > 0 {
		wait := time.Duration(reset * float64(time.Second))
		if wait > time.Minute {
			wait = time.Minute
		}
		c.logger.Debug("rate limit budget low, sleeping", zap.Duration("wait", wait))
		sleepContext(ctx, wait)
	}
}

// do runs a request with per-host proxy rotation. Blocked (403) and
// transient-overload (429/503) responses plus transport errors count as
// proxy failures; exhausting the rotation budget falls through to one direct
// attempt per host. A proxy-path error surfaces only if the direct attempt
// also fails.
func (c *Client) do(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	if params == nil {
		params = url.Values{}
	}
	if params.Get("raw_json") == "" {
		params.Set("raw_json", "1")
	}

	bases := c.bases()
	var lastProxyErr error

	if c.opts.Rotator != nil {
		for _, base := range bases {
			rawURL := base + path
			for attempt := 0; attempt < maxProxyAttempts; attempt++ {
				endpoint := c.opts.Rotator.Next()
				if endpoint == "" {
					break
				}
				resp, err := c.doOnce(ctx, endpoint, rawURL, params)
				if err != nil {
					lastProxyErr = err
					c.opts.Rotator.ReportFailure(endpoint)
					metrics.ProxyFailure()
					continue
				}
				if resp.StatusCode == http.StatusForbidden {
					drainAndClose(resp)
					c.opts.Rotator.ReportFailure(endpoint)
					metrics.ProxyFailure()
					continue
				}
				if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
					drainAndClose(resp)
					continue
				}
				metrics.Fetch(base, resp.StatusCode)
				return resp, nil
			}
		}
	}

	for _, base := range bases {
		rawURL := base + path
		resp, err := c.doOnce(ctx, "", rawURL, params)
		if err != nil {
			if lastProxyErr != nil {
				return nil, lastProxyErr
			}
			return nil, err
		}
		// Anonymous mode retries the mirror host on 403.
		if resp.StatusCode == http.StatusForbidden && !c.useOAuth {
			drainAndClose(resp)
			continue
		}
		metrics.Fetch(base, resp.StatusCode)
		return resp, nil
	}
	return nil, &RequestError{Method: http.MethodGet, Path: path, StatusCode: http.StatusForbidden, Body: "all hosts refused"}
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v any) error {
	resp, err := c.do(ctx, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &RequestError{
			Method:     http.MethodGet,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// SearchPosts runs a global keyword search.
func (c *Client) SearchPosts(ctx context.Context, q SearchQuery) (Listing, error) {
	params := searchParams(q, false)
	var listing Listing
	if err := c.getJSON(ctx, c.jsonPath("/search"), params, &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// CommunityAbout fetches community metadata.
func (c *Client) CommunityAbout(ctx context.Context, community string) (About, error) {
	var about About
	if err := c.getJSON(ctx, c.jsonPath("/r/"+community+"/about"), nil, &about); err != nil {
		return About{}, err
	}
	return about, nil
}

// CommunitySearchPosts runs a keyword search restricted to one community.
func (c *Client) CommunitySearchPosts(ctx context.Context, community string, q SearchQuery) (Listing, error) {
	params := searchParams(q, true)
	var listing Listing
	if err := c.getJSON(ctx, c.jsonPath("/r/"+community+"/search"), params, &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// CommunityPosts lists posts from one community.
func (c *Client) CommunityPosts(ctx context.Context, community string, opts ListOptions) (Listing, error) {
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
	if err := c.getJSON(ctx, c.jsonPath("/r/"+community+"/"+sort), params, &listing); err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// Comments fetches the threaded comments for one post. The payload is a
// two-element array: the post listing, then the comment listing.
func (c *Client) Comments(ctx context.Context, postID string, opts CommentOptions) ([]Listing, error) {
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
	if err := c.getJSON(ctx, c.jsonPath("/comments/"+postID), params, &listings); err != nil {
		return nil, err
	}
	return listings, nil
}

func searchParams(q SearchQuery, restrict bool) url.Values {
	params := url.Values{}
	params.Set("q", q.Query)
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	if q.TimeFilter != "" {
		params.Set("t", q.TimeFilter)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.After != "" {
		params.Set("after", q.After)
	}
	if restrict {
		params.Set("restrict_sr", "true")
	}
	return params
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
