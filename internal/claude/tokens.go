package claude

import (
	"context"
	"fmt"
	"time"

	"github.com/gatehouse-sh/gatehouse/internal/crypto"
	"github.com/gatehouse-sh/gatehouse/internal/store"
)

// TokenStore persists OAuth tokens in the config store. Token values are
// encrypted at rest; timestamps are stored as plain RFC 3339 strings.
type TokenStore struct {
	store  store.Store
	cipher *crypto.Cipher
}

// NewTokenStore creates a token store backed by st, encrypting with cipher.
func NewTokenStore(st store.Store, cipher *crypto.Cipher) *TokenStore {
	return &TokenStore{store: st, cipher: cipher}
}

// Load returns the persisted tokens, or nil if none are stored.
func (ts *TokenStore) Load(ctx context.Context) (*Tokens, error) {
	encAccess, ok, err := ts.store.GetConfig(ctx, store.KeyOAuthToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	access, err := ts.cipher.Decrypt(encAccess)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	t := &Tokens{AccessToken: access}

	encRefresh, ok, err := ts.store.GetConfig(ctx, store.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	if ok {
		refresh, err := ts.cipher.Decrypt(encRefresh)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		t.RefreshToken = refresh
	}

	if v, ok, err := ts.store.GetConfig(ctx, store.KeyTokenExpiresAt); err != nil {
		return nil, err
	} else if ok {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", store.KeyTokenExpiresAt, err)
		}
		t.ExpiresAt = at
	}

	if v, ok, err := ts.store.GetConfig(ctx, store.KeyTokenRefreshedAt); err != nil {
		return nil, err
	} else if ok {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", store.KeyTokenRefreshedAt, err)
		}
		t.RefreshedAt = at
	} else {
		// Records written before refreshed_at existed.
		t.RefreshedAt = t.ExpiresAt
	}

	return t, nil
}

// Store encrypts and persists the credential set.
func (ts *TokenStore) Store(ctx context.Context, t *Tokens) error {
	encAccess, err := ts.cipher.Encrypt(t.AccessToken)
	if err != nil {
		return err
	}
	if err := ts.store.SetConfig(ctx, store.KeyOAuthToken, encAccess); err != nil {
		return err
	}

	if t.RefreshToken != "" {
		encRefresh, err := ts.cipher.Encrypt(t.RefreshToken)
		if err != nil {
			return err
		}
		if err := ts.store.SetConfig(ctx, store.KeyRefreshToken, encRefresh); err != nil {
			return err
		}
	} else if err := ts.store.DeleteConfig(ctx, store.KeyRefreshToken); err != nil {
		return err
	}

	if err := ts.store.SetConfig(ctx, store.KeyTokenExpiresAt, t.ExpiresAt.Format(time.RFC3339)); err != nil {
		return err
	}
	return ts.store.SetConfig(ctx, store.KeyTokenRefreshedAt, t.RefreshedAt.Format(time.RFC3339))
}

// SavePending records the state and verifier of a flow in progress.
func (ts *TokenStore) SavePending(ctx context.Context, state, verifier string) error {
	if err := ts.store.SetConfig(ctx, store.KeyOAuthPendingState, state); err != nil {
		return err
	}
	return ts.store.SetConfig(ctx, store.KeyOAuthPendingVerifier, verifier)
}

// PendingVerifier returns the verifier stored at start-of-flow, or
// ErrNoPendingFlow if no flow was started.
func (ts *TokenStore) PendingVerifier(ctx context.Context) (string, error) {
	v, ok, err := ts.store.GetConfig(ctx, store.KeyOAuthPendingVerifier)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", ErrNoPendingFlow
	}
	return v, nil
}

// ClearPending removes the in-flight flow state.
func (ts *TokenStore) ClearPending(ctx context.Context) error {
	if err := ts.store.DeleteConfig(ctx, store.KeyOAuthPendingState); err != nil {
		return err
	}
	return ts.store.DeleteConfig(ctx, store.KeyOAuthPendingVerifier)
}

// MarkSetupComplete flips the setup flag once credentials are in place.
func (ts *TokenStore) MarkSetupComplete(ctx context.Context) error {
	return ts.store.SetConfig(ctx, store.KeySetupComplete, "true")
}
