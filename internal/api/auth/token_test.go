package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer_RoundTrip(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Minute, time.Hour)

	access, refresh, err := ti.IssuePair(42)
	require.NoError(t, err)
	assert.NotEqual(t, access, refresh)

	uid, err := ti.VerifyAccess(access)
	require.NoError(t, err)
	assert.EqualValues(t, 42, uid)

	_, err = ti.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrWrongTokenType)

	newAccess, err := ti.Refresh(refresh)
	require.NoError(t, err)
	uid, err = ti.VerifyAccess(newAccess)
	require.NoError(t, err)
	assert.EqualValues(t, 42, uid)

	_, err = ti.Refresh(access)
	assert.ErrorIs(t, err, ErrWrongTokenType)
}

func TestTokenIssuer_Expiry(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Minute, time.Hour)
	start := time.Now()
	ti.now = func() time.Time { return start }

	access, refresh, err := ti.IssuePair(7)
	require.NoError(t, err)

	ti.now = func() time.Time { return start.Add(2 * time.Minute) }
	_, err = ti.VerifyAccess(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ti.Refresh(refresh)
	assert.NoError(t, err, "refresh token outlives the access token")

	ti.now = func() time.Time { return start.Add(2 * time.Hour) }
	_, err = ti.Refresh(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenIssuer_RejectsForeignTokens(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Minute, time.Hour)
	other := NewTokenIssuer("other-secret", time.Minute, time.Hour)

	access, _, err := other.IssuePair(1)
	require.NoError(t, err)
	_, err = ti.VerifyAccess(access)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ti.VerifyAccess("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, customClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
		TokenType:        tokenTypeAccess,
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ti.VerifyAccess(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
