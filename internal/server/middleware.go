package server

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

// requireAuth redirects requests without a valid session cookie to the login
// page, carrying the original URL so login can return the user there.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticated(r) {
			target := "/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSetup redirects authenticated users to the setup page until the
// setup flag is written.
func (s *Server) requireSetup(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.setupComplete(r.Context()) {
			http.Redirect(w, r, "/setup", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(r *http.Request) bool {
	c, err := r.Cookie(auth.CookieName)
	if err != nil {
		return false
	}
	_, ok := s.cookies.Verify(c.Value)
	return ok
}

func (s *Server) setupComplete(ctx context.Context) bool {
	v, _, err := s.store.GetConfig(ctx, store.KeySetupComplete)
	if err != nil {
		s.logger.Warn("read setup flag", "error", err)
		return false
	}
	return v == "true"
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}
