package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignIsDeterministicAndSecretDependent(t *testing.T) {
	body := []byte(`{"id":1}`)

	sig1 := Sign("secret-a", body)
	sig2 := Sign("secret-a", body)
	assert.Equal(t, sig1, sig2)
	assert.True(t, strings.HasPrefix(sig1, "sha256="))

	sig3 := Sign("secret-b", body)
	assert.NotEqual(t, sig1, sig3)
}

func TestSignChangesWithBody(t *testing.T) {
	sigA := Sign("secret", []byte(`{"id":1}`))
	sigB := Sign("secret", []byte(`{"id":2}`))
	assert.NotEqual(t, sigA, sigB)
}
