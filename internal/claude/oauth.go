// Package claude implements the OAuth PKCE flow against the upstream
// assistant service and encrypted at-rest persistence of its tokens.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuth endpoints and client identity of the upstream assistant service. The
// client id is the public one used by the service's own CLI; the callback is
// hosted upstream and shows the user a code to paste back.
const (
	clientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	authorizeURL = "https://claude.ai/oauth/authorize"
	tokenURL     = "https://console.anthropic.com/v1/oauth/token"
	redirectURI  = "https://console.anthropic.com/oauth/code/callback"
	scopes       = "org:create_api_key user:profile user:inference"
)

// RefreshThreshold is how close to expiry a token may get before session
// start forces a refresh.
const RefreshThreshold = 30 * time.Minute

// ManualTokenTTL is the assumed lifetime of a long-lived token pasted
// directly during setup instead of going through the browser flow.
const ManualTokenTTL = 7 * 24 * time.Hour

// defaultExpiresIn applies when the token endpoint omits expires_in.
const defaultExpiresIn = 8 * time.Hour

// ErrNoPendingFlow is returned when an exchange is attempted without a
// started authorization flow.
var ErrNoPendingFlow = errors.New("claude: no pending authorization flow")

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.Status, e.Body)
}

// Tokens is one issued credential set.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	RefreshedAt  time.Time
}

// NeedsRefresh reports whether the access token is absent or expires within
// RefreshThreshold of now.
func NeedsRefresh(t *Tokens, now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	return t.ExpiresAt.Sub(now) < RefreshThreshold
}

// SplitCode parses the pasted authorization artifact. The upstream callback
// page presents it as "<code>#<state>"; a bare code has no fragment.
func SplitCode(raw string) (code, state string) {
	raw = strings.TrimSpace(raw)
	if i := strings.Index(raw, "#"); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

// Client drives the PKCE authorization flow.
type Client struct {
	httpClient   *http.Client
	authorizeURL string
	tokenURL     string
	clientID     string
	redirectURI  string
	now          func() time.Time
}

// NewClient returns a client configured for the upstream service.
func NewClient() *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		authorizeURL: authorizeURL,
		tokenURL:     tokenURL,
		clientID:     clientID,
		redirectURI:  redirectURI,
		now:          time.Now,
	}
}

// AuthorizeURL builds the browser URL that begins the flow.
func (c *Client) AuthorizeURL(verifier, state string) string {
	v := url.Values{}
	v.Set("code", "true")
	v.Set("client_id", c.clientID)
	v.Set("response_type", "code")
	v.Set("redirect_uri", c.redirectURI)
	v.Set("scope", scopes)
	v.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	v.Set("code_challenge_method", "S256")
	v.Set("state", state)
	return c.authorizeURL + "?" + v.Encode()
}

// BeginFlow generates a fresh verifier, records the pending flow, and returns
// the authorization URL. The verifier doubles as the state parameter.
func (c *Client) BeginFlow(ctx context.Context, ts *TokenStore) (string, error) {
	verifier := oauth2.GenerateVerifier()
	if err := ts.SavePending(ctx, verifier, verifier); err != nil {
		return "", err
	}
	return c.AuthorizeURL(verifier, verifier), nil
}

// CompleteFlow exchanges the pasted code for tokens, persists them, marks
// setup complete, and clears the pending flow.
func (c *Client) CompleteFlow(ctx context.Context, ts *TokenStore, raw string) (*Tokens, error) {
	code, state := SplitCode(raw)
	verifier, err := ts.PendingVerifier(ctx)
	if err != nil {
		return nil, err
	}
	toks, err := c.Exchange(ctx, code, verifier, state)
	if err != nil {
		return nil, err
	}
	if err := ts.Store(ctx, toks); err != nil {
		return nil, err
	}
	if err := ts.MarkSetupComplete(ctx); err != nil {
		return nil, err
	}
	if err := ts.ClearPending(ctx); err != nil {
		return nil, err
	}
	return toks, nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code, verifier, state string) (*Tokens, error) {
	tr, err := c.postToken(ctx, tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		State:        state,
		ClientID:     c.clientID,
		RedirectURI:  c.redirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		return nil, err
	}
	return c.tokensFrom(tr, ""), nil
}

// Refresh trades a refresh token for a new credential set. If the upstream
// does not rotate the refresh token, the old one is carried forward.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	tr, err := c.postToken(ctx, tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     c.clientID,
	})
	if err != nil {
		return nil, err
	}
	return c.tokensFrom(tr, refreshToken), nil
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (c *Client) postToken(ctx context.Context, req tokenRequest) (*tokenResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tr, nil
}

func (c *Client) tokensFrom(tr *tokenResponse, oldRefresh string) *Tokens {
	now := c.now()
	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if tr.ExpiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}
	refresh := tr.RefreshToken
	if refresh == "" {
		refresh = oldRefresh
	}
	return &Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    now.Add(expiresIn),
		RefreshedAt:  now,
	}
}
