package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calsyncd/internal/models"

	"golang.org/x/oauth2"
)

// accountToken decrypts an account's stored tokens into an oauth2 token.
func accountToken(cipher TokenCipher, account *models.ProviderAccount) (*oauth2.Token, error) {
	access, err := cipher.Decrypt(account.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	token := &oauth2.Token{AccessToken: access}
	if account.ExpiresAt != nil {
		token.Expiry = *account.ExpiresAt
	}
	if !account.RefreshToken.IsZero() {
		refresh, err := cipher.Decrypt(account.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		token.RefreshToken = refresh
	}
	return token, nil
}

// persistingTokenSource wraps an oauth2 source and writes refreshed tokens
// back to storage, re-encrypted, so a refresh mid-sync is not lost.
type persistingTokenSource struct {
	ctx       context.Context
	src       oauth2.TokenSource
	cipher    TokenCipher
	store     Store
	accountID int64

	mu   sync.Mutex
	last *oauth2.Token
}

func newPersistingTokenSource(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token, cipher TokenCipher, store Store, accountID int64) *persistingTokenSource {
	return &persistingTokenSource{
		ctx:       ctx,
		src:       cfg.TokenSource(ctx, token),
		cipher:    cipher,
		store:     store,
		accountID: accountID,
		last:      token,
	}
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last != nil && tok.AccessToken == s.last.AccessToken {
		return tok, nil
	}
	s.last = tok

	access, err := s.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refreshed access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt refreshed refresh token: %w", err)
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiry = &e
	}
	if err := s.store.UpdateAccountTokens(s.ctx, s.accountID, access, refresh, expiry); err != nil {
		return nil, fmt.Errorf("persist refreshed tokens: %w", err)
	}
	return tok, nil
}
