// Package credentials implements the imapconn.CredentialProvider the
// connection Pool calls at dial time, backed by the account_credentials
// table and an AES-GCM Cipher keyed per deployment. Decrypted values
// never leave this package except as the two strings Pool.Borrow hands
// straight to client.Login.
package credentials

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/syncengine/internal/store"
)

// Provider resolves an account's decrypted IMAP username/secret pair on
// demand, satisfying imapconn.CredentialProvider.
type Provider struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// New builds a Provider over the given database pool and cipher.
func New(pool *pgxpool.Pool, cipher *Cipher) *Provider {
	return &Provider{pool: pool, cipher: cipher}
}

// IMAPCredentials decrypts and returns the IMAP username/secret for
// accountID.
func (p *Provider) IMAPCredentials(ctx context.Context, accountID int64) (username, secret string, err error) {
	enc, err := store.GetCredentials(ctx, p.pool, accountID)
	if err != nil {
		return "", "", fmt.Errorf("load credentials: %w", err)
	}

	username, err = p.cipher.Open(accountID, enc.IMAPUsernameEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt username: %w", err)
	}
	secret, err = p.cipher.Open(accountID, enc.IMAPSecretEnc)
	if err != nil {
		return "", "", fmt.Errorf("decrypt secret: %w", err)
	}
	return username, secret, nil
}

// Put encrypts and stores username/secret for accountID, used by the
// provisioning layer when an account is created or its credentials
// rotate.
func Put(ctx context.Context, pool *pgxpool.Pool, cipher *Cipher, accountID int64, username, secret string) error {
	usernameEnc, err := cipher.Seal(accountID, username)
	if err != nil {
		return fmt.Errorf("encrypt username: %w", err)
	}
	secretEnc, err := cipher.Seal(accountID, secret)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	return store.UpsertCredentials(ctx, pool, accountID, store.EncryptedCredentials{
		IMAPUsernameEnc: usernameEnc,
		IMAPSecretEnc:   secretEnc,
	})
}
