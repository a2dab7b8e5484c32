package syncerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := fmt.Errorf("dial: %w", ForAccount(KindTransientNetwork, 42, base))

	assert.True(t, Is(wrapped, KindTransientNetwork))
	assert.False(t, Is(wrapped, KindAuth))
}

func TestKindOf(t *testing.T) {
	err := ForFolder(KindInvariantViolation, 1, 7, errors.New("uidvalidity changed"))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindInvariantViolation, kind)

	_, ok = KindOf(errors.New("plain error"))
	assert.False(t, ok)
}

func TestErrorStringIncludesScope(t *testing.T) {
	err := ForFolder(KindProtocol, 3, 9, errors.New("unexpected FETCH response"))
	assert.Contains(t, err.Error(), "account=3")
	assert.Contains(t, err.Error(), "folder=9")

	accountOnly := ForAccount(KindAuth, 5, errors.New("login failed"))
	assert.Contains(t, accountOnly.Error(), "account=5")
	assert.NotContains(t, accountOnly.Error(), "folder=")
}
