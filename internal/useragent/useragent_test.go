package useragent

import (
	"strings"
	"testing"
)

func TestRandomReturnsKnownAgent(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		ua := Random()
		if !strings.HasPrefix(ua, "Mozilla/5.0") {
			t.Fatalf("unexpected user agent %q", ua)
		}
		seen[ua] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatal("expected rotation across more than one user agent")
	}
}
