package credstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "creds.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTokensRoundTrip(t *testing.T) {
	s := openTestStore(t)

	access, refresh, err := s.Tokens()
	require.NoError(t, err)
	assert.Empty(t, access)
	assert.Empty(t, refresh)

	require.NoError(t, s.SaveTokens("a1", "r1"))
	access, refresh, err = s.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)

	got, err := s.AccessToken()
	require.NoError(t, err)
	assert.Equal(t, "a1", got)
}

func TestTokensSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveTokens("a1", "r1"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	access, refresh, err := s.Tokens()
	require.NoError(t, err)
	assert.Equal(t, "a1", access)
	assert.Equal(t, "r1", refresh)
}

func TestClearRemovesBothTokens(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveTokens("a1", "r1"))

	require.NoError(t, s.Clear())
	access, refresh, err := s.Tokens()
	require.NoError(t, err)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
}

func TestAccessExpiresAt(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	got, err := AccessExpiresAt(signed)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))
}

func TestAccessExpiresAtRejectsGarbage(t *testing.T) {
	_, err := AccessExpiresAt("not-a-jwt")
	assert.Error(t, err)
}
