package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const defaultProviderEndpoint = "https://api.proxifly.dev/proxy"

// ProviderOptions configures the paid proxy provider API.
type ProviderOptions struct {
	APIKey       string
	Protocol     string
	Anonymity    string
	Country      string
	HTTPSOnly    *bool
	MaxLatencyMs int
	MaxRetries   int
	Backoff      time.Duration
	Cooldown     time.Duration
	MaxWait      time.Duration

	// Endpoint overrides the provider URL, primarily for testing.
	Endpoint string
}

// providerClient queries the provider over HTTPS and tracks its rate-limit
// cooldown so a 429 does not turn into a request storm.
type providerClient struct {
	opts     ProviderOptions
	quantity int
	http     *http.Client
	endpoint string

	mu          sync.Mutex
	nextAllowed time.Time
}

func newProviderClient(opts ProviderOptions, quantity int, timeout time.Duration) *providerClient {
	if opts.Protocol == "" {
		opts.Protocol = "socks5"
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = defaultProviderEndpoint
	}
	return &providerClient{
		opts:     opts,
		quantity: quantity,
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

// Fetch requests a batch of endpoints. Calls made while a rate-limit cooldown
// is pending fail fast without touching the network.
func (c *providerClient) Fetch(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	nextAllowed := c.nextAllowed
	c.mu.Unlock()
	if remaining := time.Until(nextAllowed); remaining > 0 {
		return nil, fmt.Errorf("provider rate limited; next allowed in %ds", int(remaining.Seconds()))
	}

	payload := map[string]any{
		"apiKey":   c.opts.APIKey,
		"protocol": c.opts.Protocol,
		"format":   "json",
		"quantity": c.quantity,
	}
	if c.opts.Anonymity != "" {
		payload["anonymity"] = c.opts.Anonymity
	}
	if c.opts.Country != "" {
		payload["country"] = c.opts.Country
	}
	if c.opts.HTTPSOnly != nil {
		payload["https"] = *c.opts.HTTPSOnly
	}
	if c.opts.MaxLatencyMs > 0 {
		payload["speed"] = c.opts.MaxLatencyMs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		proxies, retry, err := c.fetchOnce(ctx, body, attempt)
		if err == nil {
			return proxies, nil
		}
		if !retry || attempt >= c.opts.MaxRetries {
			return nil, err
		}
	}
}

// fetchOnce performs one provider round trip. The second return value reports
// whether the caller may retry in-process (a sleep already happened).
func (c *providerClient) fetchOnce(ctx context.Context, body []byte, attempt int) ([]string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cooldown := c.cooldownFor(resp)
		c.mu.Lock()
		c.nextAllowed = time.Now().Add(cooldown)
		c.mu.Unlock()

		// Retry in-process only when the wait is short enough and retry
		// budget remains; never block the refresh path indefinitely.
		if attempt < c.opts.MaxRetries && cooldown > 0 && cooldown <= c.opts.MaxWait {
			if err := sleepContext(ctx, cooldown); err != nil {
				return nil, false, err
			}
			return nil, true, fmt.Errorf("provider rate limited (HTTP 429)")
		}
		return nil, false, fmt.Errorf("provider rate limited (HTTP 429); retry after ~%ds", int(cooldown.Seconds()))

	case resp.StatusCode >= 500:
		if attempt < c.opts.MaxRetries {
			wait := c.opts.Backoff
			if wait > c.opts.MaxWait {
				wait = c.opts.MaxWait
			}
			if wait > 0 {
				if err := sleepContext(ctx, wait); err != nil {
					return nil, false, err
				}
			}
			return nil, true, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
		}
		return nil, false, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)

	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read provider response: %w", err)
	}
	proxies, err := c.decodeProxies(raw)
	if err != nil {
		return nil, false, err
	}
	return proxies, false, nil
}

func (c *providerClient) cooldownFor(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs >= 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if c.opts.Cooldown > 0 {
		return c.opts.Cooldown
	}
	return 0
}

type providerEntry struct {
	Proxy string `json:"proxy"`
	IP    string `json:"ip"`
	Port  int    `json:"port"`
}

func (c *providerClient) decodeProxies(raw []byte) ([]string, error) {
	var entries []providerEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var single providerEntry
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("decode provider response: %w", err)
		}
		entries = []providerEntry{single}
	}

	var proxies []string
	for _, entry := range entries {
		switch {
		case entry.Proxy != "":
			proxies = append(proxies, entry.Proxy)
		case entry.IP != "" && entry.Port > 0:
			proxies = append(proxies, fmt.Sprintf("%s://%s:%d", c.opts.Protocol, entry.IP, entry.Port))
		}
	}
	return proxies, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
