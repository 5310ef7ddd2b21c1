package api

import (
	"net/http"
	"strings"

	"github.com/crunchkit/coordinator/internal/config"
)

// Endpoint tiers. Public paths never require a key, admin paths always
// do when a key is configured, and everything else requires one only
// when read auth is switched on.
var (
	defaultPublicPrefixes = []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/info",
		"/reports/schema",
		"/reports/leaderboard",
		"/reports/models",
		"/reports/feeds",
	}

	defaultAdminPrefixes = []string{
		"/reports/backfill",
		"/reports/checkpoints/",
	}
)

// KeyAuth gates requests behind the shared API key. With no key
// configured every endpoint is open.
func KeyAuth(cfg config.APIConfig) func(http.Handler) http.Handler {
	public := cfg.PublicPrefixes
	if len(public) == 0 {
		public = defaultPublicPrefixes
	}

	admin := cfg.AdminPrefixes
	if len(admin) == 0 {
		admin = defaultAdminPrefixes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Key == "" || hasPrefix(r.URL.Path, public) {
				next.ServeHTTP(w, r)

				return
			}

			gated := hasPrefix(r.URL.Path, admin) || cfg.ReadAuth
			if gated && requestKey(r) != cfg.Key {
				writeDetail(w, http.StatusUnauthorized, "API key required")

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requestKey extracts the presented API key: X-API-Key header, then
// Authorization bearer token, then the api_key query parameter.
func requestKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}

	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}

	return r.URL.Query().Get("api_key")
}

func hasPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}
