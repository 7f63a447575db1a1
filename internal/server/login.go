package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gatehouse-sh/gatehouse/internal/auth"
)

const (
	oauthStateCookie = "gatehouse_oauth_state"
	returnToCookie   = "gatehouse_return_to"
	// stateCookieTTL bounds one login attempt.
	stateCookieTTL = 600
)

// handleGoogleStart begins the identity sign-in: it parks a random state and
// the optional return_to in short-lived cookies and redirects to Google.
func (s *Server) handleGoogleStart(w http.ResponseWriter, r *http.Request) {
	state, err := auth.RandomState()
	if err != nil {
		s.logger.Error("generate oauth state", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start sign-in")
		return
	}

	s.setFlowCookie(w, oauthStateCookie, state)
	if rt := r.FormValue("return_to"); validReturnTo(rt) {
		s.setFlowCookie(w, returnToCookie, rt)
	}

	http.Redirect(w, r, s.google.AuthCodeURL(state), http.StatusFound)
}

// handleGoogleCallback finishes the sign-in: checks the state, redeems the
// code, and issues the session cookie. The allow list is enforced by the
// verifier.
func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "missing code or state")
		return
	}
	c, err := r.Cookie(oauthStateCookie)
	if err != nil || c.Value == "" || c.Value != state {
		writeError(w, http.StatusBadRequest, "oauth state mismatch")
		return
	}
	s.clearFlowCookie(w, oauthStateCookie)

	identity, err := s.google.Exchange(r.Context(), code)
	if errors.Is(err, auth.ErrIdentityNotAllowed) {
		s.logger.Warn("sign-in rejected", "reason", "identity not allowed")
		writeError(w, http.StatusForbidden, "this account is not allowed")
		return
	}
	if err != nil {
		s.logger.Warn("sign-in failed", "error", err)
		writeError(w, http.StatusUnauthorized, "sign-in failed")
		return
	}

	if err := s.setSessionCookie(w); err != nil {
		s.logger.Error("issue session cookie", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue cookie")
		return
	}

	target := "/"
	if c, err := r.Cookie(returnToCookie); err == nil && validReturnTo(c.Value) {
		target = c.Value
	}
	s.clearFlowCookie(w, returnToCookie)

	s.logger.Info("signed in", "email", identity.Email)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) setSessionCookie(w http.ResponseWriter) error {
	value, err := s.cookies.Mint()
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(sessionCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (s *Server) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/api/auth",
		MaxAge:   stateCookieTTL,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearFlowCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

// validReturnTo accepts only local absolute paths, keeping the login
// redirect from becoming an open redirect.
func validReturnTo(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//")
}
