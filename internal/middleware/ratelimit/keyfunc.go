package ratelimit

import (
	"net/http"
	"strings"

	"github.com/ruberoo/gateway/internal/variables"
)

// KeyFunc derives the bucket key for a request.
type KeyFunc func(*http.Request) string

// BuildKeyFunc returns a key extraction function based on configuration.
// "ip" (the default) keys by client address; "header:<name>" keys by that
// header and falls back to the client address when it is absent.
func BuildKeyFunc(key string) KeyFunc {
	if strings.HasPrefix(key, "header:") {
		name := key[len("header:"):]
		prefix := "header:" + name + ":"
		return func(r *http.Request) string {
			if v := r.Header.Get(name); v != "" {
				return prefix + v
			}
			return "ip:" + variables.ExtractClientIP(r)
		}
	}

	return func(r *http.Request) string {
		return "ip:" + variables.ExtractClientIP(r)
	}
}
