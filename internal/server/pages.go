package server

import (
	"embed"
	"net/http"
	"strings"
)

//go:embed web
var webFS embed.FS

func (s *Server) servePage(w http.ResponseWriter, name string) {
	data, err := webFS.ReadFile("web/" + name)
	if err != nil {
		s.logger.Error("read embedded page", "page", name, "error", err)
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(data)
}

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if s.authenticated(r) {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.servePage(w, "login.html")
}

// handleSetupPage stays reachable after setup so credentials can be redone.
func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	s.servePage(w, "setup.html")
}

// uiHandler serves the configured UI build with single-page-app fallback, or
// the embedded chat page when no UI directory is configured.
func (s *Server) uiHandler() http.Handler {
	if dir := s.cfg.Server.UIDir; dir != "" {
		fileServer := http.FileServer(http.Dir(dir))
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" && !strings.Contains(r.URL.Path, ".") {
				r.URL.Path = "/"
			}
			fileServer.ServeHTTP(w, r)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.servePage(w, "index.html")
	})
}
