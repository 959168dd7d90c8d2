package server

import (
	"net/http"
)

// securityHeadersMiddleware sets the headers every response carries. The
// server only returns JSON and plain text, never pages.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")

		// run outcomes must never be served from a cache
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
