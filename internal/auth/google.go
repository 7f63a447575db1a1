package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

const (
	googleIssuer  = "https://accounts.google.com"
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// googleEndpoint is spelled out here rather than imported from
// x/oauth2/google to avoid pulling in the cloud metadata client.
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

// Identity is the signed-in user.
type Identity struct {
	Email string
	Name  string
}

// GoogleVerifier runs the Google authorization-code flow and validates the
// resulting ID token against Google's JWKS.
type GoogleVerifier struct {
	oauth   *oauth2.Config
	jwks    keyfunc.Keyfunc
	allowed string
}

// NewGoogleVerifier creates a verifier for the given OAuth client. The JWKS
// is fetched eagerly and refreshed in the background.
func NewGoogleVerifier(clientID, clientSecret, redirectURL, allowedEmail string) (*GoogleVerifier, error) {
	jwks, err := keyfunc.NewDefault([]string{googleJWKSURL})
	if err != nil {
		return nil, fmt.Errorf("auth: fetch google jwks: %w", err)
	}
	return &GoogleVerifier{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     googleEndpoint,
		},
		jwks:    jwks,
		allowed: strings.ToLower(strings.TrimSpace(allowedEmail)),
	}, nil
}

// AuthCodeURL returns the Google consent URL for a login attempt.
func (g *GoogleVerifier) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// Exchange redeems the callback code and returns the verified identity.
func (g *GoogleVerifier) Exchange(ctx context.Context, code string) (*Identity, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: google code exchange: %w", err)
	}
	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, ErrUnauthorized
	}
	return g.VerifyIDToken(ctx, rawID)
}

// VerifyIDToken validates signature, issuer, audience, and expiry, then
// applies the allow list.
func (g *GoogleVerifier) VerifyIDToken(ctx context.Context, raw string) (*Identity, error) {
	token, err := jwt.Parse(raw, g.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(g.oauth.ClientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthorized
	}

	email, _ := claims["email"].(string)
	verified, _ := claims["email_verified"].(bool)
	if email == "" || !verified {
		return nil, ErrUnauthorized
	}
	if strings.ToLower(email) != g.allowed {
		return nil, ErrIdentityNotAllowed
	}

	name, _ := claims["name"].(string)
	return &Identity{Email: email, Name: name}, nil
}

// RandomState returns a random URL-safe string for the OAuth state parameter.
func RandomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
