package proxy

import (
	"regexp"
	"strings"
)

var hostPortPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:\d{2,5}\b`)

// parseLine converts one proxy list line into a URL with a scheme.
//
// Accepted formats:
//   - scheme://[user:pass@]host:port (pass-through)
//   - host:port (default scheme applied)
//   - host:port:user:pass (default scheme, embedded credentials)
//
// Three-field lines are ambiguous and dropped.
func parseLine(line, defaultScheme string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}

	for _, scheme := range []string{"socks5://", "socks4://", "http://", "https://"} {
		if strings.HasPrefix(line, scheme) {
			return line, true
		}
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return defaultScheme + "://" + parts[0] + ":" + parts[1], true
	case 4:
		return defaultScheme + "://" + parts[2] + ":" + parts[3] + "@" + parts[0] + ":" + parts[1], true
	default:
		return "", false
	}
}

// extractHostPorts scans arbitrary text (HTML tables and the like) for
// ip:port patterns. Best-effort fallback when the source is not a clean
// newline list.
func extractHostPorts(text string) []string {
	return hostPortPattern.FindAllString(text, -1)
}

// parseListText converts raw list text into endpoint URLs. Clean newline
// lists are tried first; ip:port scanning is the last resort for sources
// that turn out to be HTML tables or prose.
func parseListText(raw, defaultScheme string) []string {
	var valid []string
	for _, line := range splitLines(raw) {
		if parsed, ok := parseLine(line, defaultScheme); ok {
			valid = append(valid, parsed)
		}
	}
	if len(valid) > 0 {
		return valid
	}
	for _, hostPort := range extractHostPorts(raw) {
		if parsed, ok := parseLine(hostPort, defaultScheme); ok {
			valid = append(valid, parsed)
		}
	}
	return valid
}

func splitLines(raw string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
