package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenManager_IssueAndValidate(t *testing.T) {
	tm := NewTokenManager("test-secret-key", time.Hour)
	alice := models.Identity{Key: "alice@example.com", Handle: "alice"}

	token, claims, err := tm.Issue(alice)
	require.NoError(t, err)
	assert.NotEmpty(t, claims.ID)

	got, err := tm.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Identity())
	assert.Equal(t, claims.ID, got.ID)
}

func TestTokenManager_ValidateToken_InvalidSecret(t *testing.T) {
	tm := NewTokenManager("test-secret-key", time.Hour)
	other := NewTokenManager("wrong-secret", time.Hour)

	token, _, err := other.Issue(models.Identity{Key: "k", Handle: "h"})
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.ErrorIs(t, err, models.ErrAuthFailed)
}

func TestTokenManager_ValidateToken_Expired(t *testing.T) {
	tm := NewTokenManager("test-secret-key", time.Minute)
	token, _, err := tm.Issue(models.Identity{Key: "k", Handle: "h"})
	require.NoError(t, err)

	tm.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = tm.ValidateToken(token)
	assert.ErrorIs(t, err, models.ErrAuthFailed)
}

func TestTokenManager_ValidateToken_RejectsForeignClaims(t *testing.T) {
	secret := "test-secret-key"
	tm := NewTokenManager(secret, time.Hour)

	// Signed with the right key but missing issuer and session id
	claims := jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.ErrorIs(t, err, models.ErrAuthFailed)
}

func TestTokenManager_NoSecretStillSigns(t *testing.T) {
	tm := NewTokenManager("", time.Hour)
	token, _, err := tm.Issue(models.Identity{Key: "k", Handle: "h"})
	require.NoError(t, err)

	_, err = tm.ValidateToken(token)
	assert.NoError(t, err)
	_, err = NewTokenManager("", time.Hour).ValidateToken(token)
	assert.Error(t, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	token, err := ExtractTokenFromHeader("Bearer test-token")
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)

	token, err = ExtractTokenFromHeader("test-token")
	require.NoError(t, err)
	assert.Equal(t, "test-token", token)

	_, err = ExtractTokenFromHeader("")
	assert.Error(t, err)

	_, err = ExtractTokenFromHeader("Basic abc")
	assert.Error(t, err)

	_, err = ExtractTokenFromHeader("a b c")
	assert.Error(t, err)
}
