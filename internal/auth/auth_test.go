package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectToken(t *testing.T) {
	ti, err := NewTokenIssuer(GenerateSecureSecret())
	require.NoError(t, err)

	token, err := ti.IssueReconnect("p-1", "Beep", "s-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(token, "."), "формат JWT")

	claims, err := ti.ValidateReconnect(token, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", claims.ParticipantID)
	assert.Equal(t, "Beep", claims.Name)

	t.Run("другая сессия", func(t *testing.T) {
		_, err := ti.ValidateReconnect(token, "s-2")
		assert.ErrorIs(t, err, ErrWrongSession)
	})

	t.Run("истёк", func(t *testing.T) {
		ti.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { ti.now = time.Now }()
		_, err := ti.ValidateReconnect(token, "s-1")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("чужой секрет", func(t *testing.T) {
		other, err := NewTokenIssuer("")
		require.NoError(t, err)
		_, err = other.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("административный токен не годится для переподключения", func(t *testing.T) {
		admin, err := ti.IssueAdmin("admin", time.Minute)
		require.NoError(t, err)
		_, err = ti.ValidateReconnect(admin, "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestInvalidTokens(t *testing.T) {
	ti, err := NewTokenIssuer("")
	require.NoError(t, err)
	for _, tok := range []string{"", "invalid.token.here", "not.a.jwt", "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.invalid.signature"} {
		_, err := ti.Validate(tok)
		assert.Error(t, err, tok)
	}
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenIssuer("c2hvcnQ=")
	assert.Error(t, err)
}

func TestPasswordGate(t *testing.T) {
	open, err := NewPasswordGate("")
	require.NoError(t, err)
	assert.False(t, open.Required())
	assert.True(t, open.Allow("anything"))

	gate, err := NewPasswordGate("hunter2")
	require.NoError(t, err)
	assert.True(t, gate.Allow("hunter2"))
	assert.False(t, gate.Allow("hunter3"))

	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	hashed, err := NewPasswordGate(hash)
	require.NoError(t, err)
	assert.True(t, hashed.Allow("hunter2"), "готовый bcrypt-хеш не хешируется повторно")
}

func TestAdminLogin(t *testing.T) {
	ti, err := NewTokenIssuer("")
	require.NoError(t, err)
	a, err := NewAdminAuthenticator("secret", ti)
	require.NoError(t, err)

	_, _, err = a.Login("admin", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	token, expires, err := a.Login("admin", "secret")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	claims, err := a.Authorize(token)
	require.NoError(t, err)
	assert.True(t, claims.Admin)

	reconnect, err := ti.IssueReconnect("p-1", "Beep", "", time.Minute)
	require.NoError(t, err)
	_, err = a.Authorize(reconnect)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
