package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type cachePayload struct {
	FetchedAt int64    `json:"fetched_at"`
	Proxies   []string `json:"proxies"`
}

func loadCache(path string, enabled bool) ([]string, error) {
	if !enabled || path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read proxy cache: %w", err)
	}
	var payload cachePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode proxy cache: %w", err)
	}
	var proxies []string
	for _, entry := range payload.Proxies {
		if trimmed := strings.TrimSpace(entry); trimmed != "" {
			proxies = append(proxies, trimmed)
		}
	}
	return proxies, nil
}

// writeCache persists the pool via an atomic temp-file replace so a crashed
// write never leaves a truncated cache behind.
func writeCache(path string, enabled bool, proxies []string) error {
	if !enabled || path == "" || len(proxies) == 0 {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create proxy cache dir: %w", err)
		}
	}
	payload, err := json.MarshalIndent(cachePayload{
		FetchedAt: time.Now().Unix(),
		Proxies:   proxies,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode proxy cache: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return fmt.Errorf("write proxy cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace proxy cache: %w", err)
	}
	return nil
}
