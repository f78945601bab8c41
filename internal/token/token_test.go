package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer() *Issuer {
	return NewIssuer([]byte("access-secret"), []byte("refresh-secret"), 15*time.Minute, 7*24*time.Hour)
}

func TestIssueAndVerify(t *testing.T) {
	i := testIssuer()
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	claims, err := i.Verify(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "USER", claims.Role)
	assert.Equal(t, KindAccess, claims.Kind)

	claims, err = i.Verify(pair.RefreshToken, KindRefresh)
	require.NoError(t, err)
	assert.Equal(t, KindRefresh, claims.Kind)
}

func TestVerifyWrongKind(t *testing.T) {
	i := testIssuer()
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)

	// Distinct secrets: the cross-kind check fails at the signature.
	_, err = i.Verify(pair.AccessToken, KindRefresh)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = i.Verify(pair.RefreshToken, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyKindConfusionWithSharedSecrets(t *testing.T) {
	// Even if both secrets were (mis)configured identical, the kind claim
	// still rejects a cross-kind replay.
	i := NewIssuer([]byte("same"), []byte("same"), time.Minute, time.Hour)
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)

	_, err = i.Verify(pair.AccessToken, KindRefresh)
	assert.ErrorIs(t, err, ErrWrongKind)
	_, err = i.Verify(pair.RefreshToken, KindAccess)
	assert.ErrorIs(t, err, ErrWrongKind)
}

func TestVerifyExpired(t *testing.T) {
	i := testIssuer()
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)

	i.now = func() time.Time { return time.Now().Add(16 * time.Minute) }
	_, err = i.Verify(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrExpired)

	// Refresh token has a week, still fine.
	_, err = i.Verify(pair.RefreshToken, KindRefresh)
	assert.NoError(t, err)
}

func TestVerifyTampered(t *testing.T) {
	i := testIssuer()
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)

	other := NewIssuer([]byte("other"), []byte("other"), time.Minute, time.Hour)
	_, err = other.Verify(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = i.Verify(pair.AccessToken+"x", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = i.Verify("not-a-token", KindAccess)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestIssueUniqueWithinSameSecond(t *testing.T) {
	// iat/exp have second granularity; freeze the clock so only the jti can
	// distinguish the two issuances.
	i := testIssuer()
	frozen := time.Now()
	i.now = func() time.Time { return frozen }

	a, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)
	b, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)

	assert.NotEqual(t, a.AccessToken, b.AccessToken)
	assert.NotEqual(t, a.RefreshToken, b.RefreshToken)

	ca, err := i.Verify(a.RefreshToken, KindRefresh)
	require.NoError(t, err)
	cb, err := i.Verify(b.RefreshToken, KindRefresh)
	require.NoError(t, err)
	require.NotEmpty(t, ca.ID)
	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestRefreshExpiryMatchesTTL(t *testing.T) {
	i := testIssuer()
	before := time.Now()
	pair, err := i.Issue("user-1", "a@x.com", "USER")
	require.NoError(t, err)
	assert.WithinDuration(t, before.Add(7*24*time.Hour), pair.RefreshExpiry, 5*time.Second)
}
