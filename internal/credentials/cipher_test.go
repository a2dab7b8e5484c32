package credentials

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("not base64!!!")
	assert.Error(t, err)

	_, err = NewCipher(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)

	_, err = NewCipher(testKey(t))
	assert.NoError(t, err)
}

func TestSealOpenRoundTrips(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	box, err := c.Seal(42, "hunter2")
	require.NoError(t, err)

	got, err := c.Open(42, box)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)
}

func TestSealProducesDifferentBoxesForSamePlaintext(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Seal(42, "hunter2")
	require.NoError(t, err)
	b, err := c.Seal(42, "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

// A box sealed for one account must not open on another account's row —
// the account id is authenticated data, not just a lookup key.
func TestOpenRejectsBoxSealedForDifferentAccount(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	box, err := c.Seal(42, "hunter2")
	require.NoError(t, err)

	_, err = c.Open(43, box)
	assert.Error(t, err)
}

func TestOpenRejectsTamperedBox(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	box, err := c.Seal(42, "hunter2")
	require.NoError(t, err)
	box[len(box)-1] ^= 0x01

	_, err = c.Open(42, box)
	assert.Error(t, err)
}

func TestOpenRejectsTruncatedBox(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = c.Open(42, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrBoxTooShort)
}
