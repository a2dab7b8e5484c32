package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCredentialsNotFound is returned when an account has no credential row,
// e.g. because provisioning has not finished writing it yet.
var ErrCredentialsNotFound = errors.New("account credentials not found")

// EncryptedCredentials is the ciphertext form of an account's IMAP login,
// as persisted in account_credentials. The core never holds the plaintext
// longer than a single dial.
type EncryptedCredentials struct {
	IMAPUsernameEnc []byte
	IMAPSecretEnc   []byte
}

// UpsertCredentials writes or replaces an account's encrypted IMAP
// credentials, used by the provisioning layer's rotation path.
func UpsertCredentials(ctx context.Context, pool *pgxpool.Pool, accountID int64, c EncryptedCredentials) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO account_credentials (account_id, imap_username_enc, imap_secret_enc)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE SET
			imap_username_enc = EXCLUDED.imap_username_enc,
			imap_secret_enc = EXCLUDED.imap_secret_enc
	`, accountID, c.IMAPUsernameEnc, c.IMAPSecretEnc)
	if err != nil {
		return fmt.Errorf("upsert account credentials: %w", err)
	}
	return nil
}

// GetCredentials fetches an account's encrypted IMAP credentials.
func GetCredentials(ctx context.Context, pool *pgxpool.Pool, accountID int64) (EncryptedCredentials, error) {
	var c EncryptedCredentials
	err := pool.QueryRow(ctx, `
		SELECT imap_username_enc, imap_secret_enc FROM account_credentials WHERE account_id = $1
	`, accountID).Scan(&c.IMAPUsernameEnc, &c.IMAPSecretEnc)
	if errors.Is(err, pgx.ErrNoRows) {
		return EncryptedCredentials{}, ErrCredentialsNotFound
	}
	if err != nil {
		return EncryptedCredentials{}, fmt.Errorf("get account credentials: %w", err)
	}
	return c, nil
}
