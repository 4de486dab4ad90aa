package reddit

import "fmt"

// ConfigError reports a missing credential or setting at construction. It is
// fatal only to the component being built.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "reddit config: " + e.Reason
}

// AuthError reports a failed OAuth token exchange. It aborts the run.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("reddit token exchange failed: %d %s", e.StatusCode, e.Body)
}

// RequestError reports a non-2xx response after every fallback was
// exhausted. It aborts the run.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("reddit %s %s failed: %d %s", e.Method, e.Path, e.StatusCode, e.Body)
}
