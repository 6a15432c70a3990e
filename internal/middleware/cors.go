// Package middleware provides HTTP middleware for the tutor API.
package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORSConfig names the browser origins allowed to call the API.
type CORSConfig struct {
	// FrontendURL is a comma-separated origin list. Empty allows any origin
	// without credentials.
	FrontendURL string
	IsDev       bool
}

func (c CORSConfig) origins() []string {
	var out []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// CORS answers preflights and sets CORS headers for the configured frontend.
// Credentials are allowed only for an explicitly listed origin. In
// development any origin is echoed, still without credentials.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	explicit := cfg.origins()
	anyOrigin := cfg.IsDev || len(explicit) == 0

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			origin := r.Header.Get("Origin")

			if origin != "" {
				listed := slices.Contains(explicit, origin)
				if listed || anyOrigin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, X-Learner-ID")
					w.Header().Set("Access-Control-Max-Age", "600")
				}
				if listed {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
