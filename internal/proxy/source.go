package proxy

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// isLocalSource reports whether a list source needs no network fetch.
func isLocalSource(src string) bool {
	return strings.HasPrefix(src, "inline:") || strings.HasPrefix(src, "file:")
}

// fetchListSource loads the raw text of a proxy list from an inline literal,
// a local file, or a remote URL. Free proxy lists are frequently HTML pages,
// so remote sources go through a collector and the caller falls back to
// ip:port scanning when line parsing finds nothing.
func fetchListSource(ctx context.Context, src string, timeout time.Duration, userAgent string) (string, error) {
	switch {
	case strings.HasPrefix(src, "inline:"):
		return strings.TrimSpace(strings.TrimPrefix(src, "inline:")), nil

	case strings.HasPrefix(src, "file:"):
		parsed, err := url.Parse(src)
		if err != nil {
			return "", fmt.Errorf("parse proxy list source: %w", err)
		}
		raw, err := os.ReadFile(parsed.Path)
		if err != nil {
			return "", fmt.Errorf("read proxy list file: %w", err)
		}
		return string(raw), nil

	default:
		return fetchListURL(ctx, src, timeout, userAgent)
	}
}

func fetchListURL(ctx context.Context, listURL string, timeout time.Duration, userAgent string) (string, error) {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(timeout)
	if userAgent != "" {
		c.UserAgent = userAgent
	}

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(listURL)
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("proxy list fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("visit proxy list: %w", err)
		}
		if fetchErr != nil {
			return "", fmt.Errorf("fetch proxy list: %w", fetchErr)
		}
	}
	return string(body), nil
}
