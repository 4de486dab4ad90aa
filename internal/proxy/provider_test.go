package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProviderForTest(endpoint string, opts ProviderOptions) *providerClient {
	opts.APIKey = "test-key"
	opts.Endpoint = endpoint
	return newProviderClient(opts, 5, 2*time.Second)
}

func TestProviderFetchDecodesEntries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "test-key", payload["apiKey"])
		assert.Equal(t, float64(5), payload["quantity"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"proxy":"socks5://1.2.3.4:1080"},{"ip":"5.6.7.8","port":9050},{}]`))
	}))
	defer server.Close()

	c := newProviderForTest(server.URL, ProviderOptions{Protocol: "socks5"})
	proxies, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"socks5://1.2.3.4:1080", "socks5://5.6.7.8:9050"}, proxies)
}

func TestProviderRateLimitSetsCooldownAndFailsFast(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newProviderForTest(server.URL, ProviderOptions{
		MaxRetries: 3,
		MaxWait:    time.Second,
	})

	// Cooldown (120s) exceeds MaxWait, so no in-process retry happens.
	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// The stored cooldown makes the next call fail before any network I/O.
	_, err = c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, int32(1), calls.Load())
}

func TestProviderRetriesShortCooldown(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"proxy":"socks5://1.2.3.4:1080"}]`))
	}))
	defer server.Close()

	c := newProviderForTest(server.URL, ProviderOptions{
		MaxRetries: 2,
		MaxWait:    time.Second,
	})

	proxies, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"socks5://1.2.3.4:1080"}, proxies)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProviderRetriesUpstream5xx(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"ip":"9.9.9.9","port":1080}]`))
	}))
	defer server.Close()

	c := newProviderForTest(server.URL, ProviderOptions{
		Protocol:   "socks5",
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		MaxWait:    time.Second,
	})

	proxies, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"socks5://9.9.9.9:1080"}, proxies)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProviderExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newProviderForTest(server.URL, ProviderOptions{
		MaxRetries: 1,
		Backoff:    time.Millisecond,
		MaxWait:    time.Second,
	})

	_, err := c.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}
