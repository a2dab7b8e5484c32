package testutil

import (
	"encoding/base64"
	"testing"

	"github.com/vdavid/syncengine/internal/credentials"
)

// GetTestCipher builds a credential cipher from a fixed key so boxes
// sealed by one test package can be opened by another.
func GetTestCipher(t *testing.T) *credentials.Cipher {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	cipher, err := credentials.NewCipher(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("Failed to create credential cipher: %v", err)
	}
	return cipher
}
