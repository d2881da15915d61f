package provider

import (
	"context"
	"sync"
	"time"

	"calsyncd/internal/models"

	"github.com/rs/zerolog"
)

// plainCipher stores tokens as-is so tests can inspect them.
type plainCipher struct{}

func (plainCipher) Encrypt(plaintext string) (models.EncryptedToken, error) {
	return models.EncryptedToken{Encrypted: plaintext, IV: "00", Tag: "00"}, nil
}

func (plainCipher) Decrypt(token models.EncryptedToken) (string, error) {
	return token.Encrypted, nil
}

type webhookRecord struct {
	ID        string
	Token     string
	ExpiresAt *time.Time
}

// fakeStore records every write a connector makes.
type fakeStore struct {
	mu sync.Mutex

	upserted   []models.CalendarEvent
	deleted    map[int64][]string
	syncTokens map[int64][]string
	webhooks   map[int64]webhookRecord
	touched    map[int64]time.Time
	tokenWrite int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deleted:    make(map[int64][]string),
		syncTokens: make(map[int64][]string),
		webhooks:   make(map[int64]webhookRecord),
		touched:    make(map[int64]time.Time),
	}
}

func (s *fakeStore) UpsertEvents(_ context.Context, events []models.CalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, events...)
	return nil
}

func (s *fakeStore) DeleteEventsByProviderIDs(_ context.Context, accountID int64, providerEventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[accountID] = append(s.deleted[accountID], providerEventIDs...)
	return nil
}

func (s *fakeStore) UpdateAccountSyncToken(_ context.Context, id int64, syncToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncTokens[id] = append(s.syncTokens[id], syncToken)
	return nil
}

func (s *fakeStore) UpdateAccountTokens(_ context.Context, id int64, access, refresh models.EncryptedToken, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenWrite++
	return nil
}

func (s *fakeStore) UpdateAccountWebhook(_ context.Context, id int64, webhookID, webhookToken string, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks[id] = webhookRecord{ID: webhookID, Token: webhookToken, ExpiresAt: expiresAt}
	return nil
}

func (s *fakeStore) TouchAccountSync(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[id] = at
	return nil
}

func (s *fakeStore) lastSyncToken(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := s.syncTokens[id]
	if len(tokens) == 0 {
		return ""
	}
	return tokens[len(tokens)-1]
}

func connectorTestAccount(p models.Provider) *models.ProviderAccount {
	return &models.ProviderAccount{
		ID:                1,
		UserID:            42,
		Provider:          p,
		ProviderAccountID: "acct@example.com",
		AccessToken:       models.EncryptedToken{Encrypted: "access-token", IV: "00", Tag: "00"},
	}
}

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}
