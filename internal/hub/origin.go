package hub

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/erilali/dispatch/internal/logger"
)

// newCheckOrigin builds the upgrader's origin policy. An empty allow-list or a
// "*" entry accepts every origin. Requests without an Origin header come from
// non-browser clients and are always accepted.
func newCheckOrigin(allowed []string, log *logger.Logger) func(r *http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if norm := normalizeOrigin(o); norm != "" {
			origins[norm] = struct{}{}
		}
	}
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := origins[normalizeOrigin(origin)]; ok {
			return true
		}
		log.WithFields(map[string]interface{}{
			"origin": origin,
			"remote": r.RemoteAddr,
		}).Warn("WebSocket origin rejected")
		return false
	}
}

func normalizeOrigin(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
