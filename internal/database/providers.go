package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calsyncd/internal/models"
)

var ErrAccountNotFound = errors.New("provider account not found")

const accountColumns = `id, user_id, provider, provider_account_id, access_token, refresh_token,
              expires_at, settings, sync_token, webhook_id, webhook_token, webhook_expires_at,
              last_sync_at, created_at, updated_at`

// CreateProviderAccount persists a connected account. Tokens must already
// be encrypted; this layer never sees plaintext.
func (db *DB) CreateProviderAccount(ctx context.Context, account *models.ProviderAccount) error {
	access, err := json.Marshal(account.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encode access token: %w", err)
	}
	refresh, err := json.Marshal(account.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}
	settings, err := json.Marshal(account.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	now := time.Now()
	result, err := db.ExecContext(ctx,
		`INSERT INTO provider_accounts (user_id, provider, provider_account_id, access_token, refresh_token,
             expires_at, settings, sync_token, webhook_id, webhook_token, webhook_expires_at, last_sync_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.UserID,
		account.Provider,
		account.ProviderAccountID,
		string(access),
		string(refresh),
		account.ExpiresAt,
		string(settings),
		account.SyncToken,
		account.WebhookID,
		account.WebhookToken,
		account.WebhookExpiresAt,
		account.LastSyncAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create provider account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now

	return nil
}

// GetProviderAccount returns an account by id.
func (db *DB) GetProviderAccount(ctx context.Context, id int64) (*models.ProviderAccount, error) {
	account, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider account: %w", err)
	}
	return account, nil
}

// GetProviderAccountByWebhookID resolves an inbound notification's channel
// or subscription id to its account.
func (db *DB) GetProviderAccountByWebhookID(ctx context.Context, webhookID string) (*models.ProviderAccount, error) {
	account, err := scanAccount(db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE webhook_id = ?`, webhookID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider account by webhook: %w", err)
	}
	return account, nil
}

// ListProviderAccounts returns a user's connected accounts.
func (db *DB) ListProviderAccounts(ctx context.Context, userID int64) ([]models.ProviderAccount, error) {
	return db.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts WHERE user_id = ? ORDER BY id`, userID)
}

// ListAllProviderAccounts returns every connected account.
func (db *DB) ListAllProviderAccounts(ctx context.Context) ([]models.ProviderAccount, error) {
	return db.queryAccounts(ctx, `SELECT `+accountColumns+` FROM provider_accounts ORDER BY id`)
}

// ListStaleAccounts returns accounts whose last sync is older than the
// threshold (or that never synced).
func (db *DB) ListStaleAccounts(ctx context.Context, olderThan time.Duration) ([]models.ProviderAccount, error) {
	cutoff := time.Now().Add(-olderThan)
	return db.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts
         WHERE last_sync_at IS NULL OR last_sync_at < ? ORDER BY id`, cutoff)
}

// ListExpiringWebhooks returns accounts whose webhook expires within the window.
func (db *DB) ListExpiringWebhooks(ctx context.Context, within time.Duration) ([]models.ProviderAccount, error) {
	deadline := time.Now().Add(within)
	return db.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM provider_accounts
         WHERE webhook_id != '' AND webhook_expires_at IS NOT NULL AND webhook_expires_at < ? ORDER BY id`, deadline)
}

// UpdateAccountTokens replaces the stored encrypted tokens after refresh.
func (db *DB) UpdateAccountTokens(ctx context.Context, id int64, access, refresh models.EncryptedToken, expiresAt *time.Time) error {
	accessJSON, err := json.Marshal(access)
	if err != nil {
		return fmt.Errorf("failed to encode access token: %w", err)
	}
	refreshJSON, err := json.Marshal(refresh)
	if err != nil {
		return fmt.Errorf("failed to encode refresh token: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`UPDATE provider_accounts SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		string(accessJSON), string(refreshJSON), expiresAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update account tokens: %w", err)
	}
	return nil
}

// UpdateAccountSyncToken stores the provider's incremental-sync cursor.
// An empty token clears the cursor and forces the next sync to be full.
func (db *DB) UpdateAccountSyncToken(ctx context.Context, id int64, syncToken string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE provider_accounts SET sync_token = ?, updated_at = ? WHERE id = ?`,
		syncToken, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update sync token: %w", err)
	}
	return nil
}

// UpdateAccountWebhook stores the push-notification channel state.
func (db *DB) UpdateAccountWebhook(ctx context.Context, id int64, webhookID, webhookToken string, expiresAt *time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE provider_accounts SET webhook_id = ?, webhook_token = ?, webhook_expires_at = ?, updated_at = ? WHERE id = ?`,
		webhookID, webhookToken, expiresAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update webhook state: %w", err)
	}
	return nil
}

// TouchAccountSync stamps a successful sync.
func (db *DB) TouchAccountSync(ctx context.Context, id int64, at time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE provider_accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch last sync: %w", err)
	}
	return nil
}

// DeleteProviderAccount removes one account and its derived state.
func (db *DB) DeleteProviderAccount(ctx context.Context, id int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE account_id = ?`,
		`DELETE FROM sync_queue WHERE account_id = ?`,
		`DELETE FROM provider_accounts WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("failed to delete account data: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteUserData cascades deletion of a user's queue items, provider
// accounts, and derived events in one transaction.
func (db *DB) DeleteUserData(ctx context.Context, userID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM events WHERE user_id = ?`,
		`DELETE FROM sync_queue WHERE user_id = ?`,
		`DELETE FROM provider_accounts WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("failed to delete user data: %w", err)
		}
	}
	return tx.Commit()
}

func (db *DB) queryAccounts(ctx context.Context, query string, args ...any) ([]models.ProviderAccount, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query provider accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.ProviderAccount
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func scanAccount(row rowScanner) (*models.ProviderAccount, error) {
	var account models.ProviderAccount
	var access, refresh, settings, syncToken, webhookID, webhookToken sql.NullString
	var expiresAt, webhookExpiresAt, lastSyncAt sql.NullTime

	err := row.Scan(
		&account.ID, &account.UserID, &account.Provider, &account.ProviderAccountID,
		&access, &refresh, &expiresAt, &settings, &syncToken,
		&webhookID, &webhookToken, &webhookExpiresAt, &lastSyncAt,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if access.Valid && access.String != "" {
		if err := json.Unmarshal([]byte(access.String), &account.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to decode access token: %w", err)
		}
	}
	if refresh.Valid && refresh.String != "" {
		if err := json.Unmarshal([]byte(refresh.String), &account.RefreshToken); err != nil {
			return nil, fmt.Errorf("failed to decode refresh token: %w", err)
		}
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &account.Settings); err != nil {
			return nil, fmt.Errorf("failed to decode settings: %w", err)
		}
	}
	account.SyncToken = syncToken.String
	account.WebhookID = webhookID.String
	account.WebhookToken = webhookToken.String
	if expiresAt.Valid {
		account.ExpiresAt = &expiresAt.Time
	}
	if webhookExpiresAt.Valid {
		account.WebhookExpiresAt = &webhookExpiresAt.Time
	}
	if lastSyncAt.Valid {
		account.LastSyncAt = &lastSyncAt.Time
	}
	return &account, nil
}
