package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Cipher seals IMAP credentials for storage in account_credentials.
// AES-256-GCM with a fresh random nonce prepended to every box, and the
// owning account id bound in as additional authenticated data — a
// ciphertext copied onto another account's row fails to open instead of
// quietly decrypting to someone else's login.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key, as
// configured via SYNCENGINE_ENCRYPTION_KEY_BASE64.
func NewCipher(base64Key string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build credential cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// ErrBoxTooShort is returned when a stored ciphertext is shorter than the
// nonce it must start with, i.e. the column was truncated or corrupted.
var ErrBoxTooShort = errors.New("credential ciphertext shorter than nonce")

func accountAAD(accountID int64) []byte {
	aad := make([]byte, 8)
	binary.BigEndian.PutUint64(aad, uint64(accountID))
	return aad
}

// Seal encrypts one credential value for accountID's row. The same
// plaintext seals to a different box every call.
func (c *Cipher) Seal(accountID int64, plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), accountAAD(accountID)), nil
}

// Open decrypts a value previously sealed for accountID's row. It fails
// if the box was tampered with, sealed under another key, or sealed for
// a different account.
func (c *Cipher) Open(accountID int64, box []byte) (string, error) {
	if len(box) < c.aead.NonceSize() {
		return "", ErrBoxTooShort
	}
	nonce, sealed := box[:c.aead.NonceSize()], box[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, accountAAD(accountID))
	if err != nil {
		return "", fmt.Errorf("open credential ciphertext: %w", err)
	}
	return string(plaintext), nil
}
