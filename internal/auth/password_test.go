package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHasher keeps tests fast; production uses DefaultHasher
var testHasher = &Hasher{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}

func TestHasher_HashAndCompare(t *testing.T) {
	hash, err := testHasher.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$"))

	ok, err := testHasher.Compare("s3cret-pass", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testHasher.Compare("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHasher_SaltsDiffer(t *testing.T) {
	a, err := testHasher.Hash("same")
	require.NoError(t, err)
	b, err := testHasher.Hash("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestHasher_CompareUsesStoredParameters(t *testing.T) {
	hash, err := testHasher.Hash("pw")
	require.NoError(t, err)

	other := &Hasher{Memory: 2048, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	ok, err := other.Compare("pw", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHasher_InvalidHash(t *testing.T) {
	tests := []string{
		"",
		"plaintext",
		"$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=1,t=1,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$garbage$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=1,t=1,p=1$!!!$aGFzaA",
	}
	for _, encoded := range tests {
		_, err := testHasher.Compare("pw", encoded)
		assert.ErrorIs(t, err, ErrInvalidHash, encoded)
	}
}
