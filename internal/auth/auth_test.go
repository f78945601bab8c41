package auth

import (
	"context"
	"testing"
	"time"

	"github.com/example/taskhub/internal/store"
	"github.com/example/taskhub/internal/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService() (*Service, store.Store) {
	s := store.NewMemory()
	issuer := token.NewIssuer([]byte("acc"), []byte("ref"), 15*time.Minute, 24*time.Hour)
	return NewService(s, issuer), s
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "a@x.com", "secret12", "Ada")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", sess.Identity.Email)
	assert.Equal(t, store.RoleUser, sess.Identity.Role)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)

	_, err = svc.Register(ctx, "a@x.com", "secret12", "")
	assert.ErrorIs(t, err, ErrEmailTaken)

	login, err := svc.Login(ctx, "a@x.com", "secret12")
	require.NoError(t, err)
	assert.Equal(t, sess.Identity.ID, login.Identity.ID)

	// Unknown email and wrong password are indistinguishable.
	_, err = svc.Login(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@x.com", "secret12")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshRotation(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "rot@x.com", "secret12", "")
	require.NoError(t, err)

	pair, err := svc.Refresh(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, sess.RefreshToken, pair.RefreshToken)

	// The old token is consumed.
	rec, err := st.SessionByToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)

	// The new token rotates fine.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshReplayRevokesEverything(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "replay@x.com", "secret12", "")
	require.NoError(t, err)

	pair, err := svc.Refresh(ctx, sess.RefreshToken)
	require.NoError(t, err)

	// Replaying the consumed ancestor kills the whole chain.
	_, err = svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, store.ErrSessionRevoked)

	rec, err := st.SessionByToken(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rec.Revoked, "descendant session revoked after replay")

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, store.ErrSessionRevoked)
}

func TestRapidLoginsIssueDistinctSessions(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "burst@x.com", "secret12", "")
	require.NoError(t, err)

	// Back-to-back logins land within the same second; each must still mint
	// its own refresh token and session row.
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		sess, err := svc.Login(ctx, "burst@x.com", "secret12")
		require.NoError(t, err)
		assert.False(t, seen[sess.RefreshToken], "refresh token reissued")
		seen[sess.RefreshToken] = true

		rec, err := st.SessionByToken(ctx, sess.RefreshToken)
		require.NoError(t, err)
		assert.False(t, rec.Revoked)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "kind@x.com", "secret12", "")
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, sess.AccessToken)
	assert.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestRefreshUnknownSignedToken(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	// Signed with the right secret but never recorded: the subject does not
	// even exist.
	issuer := token.NewIssuer([]byte("acc"), []byte("ref"), time.Minute, time.Hour)
	pair, err := issuer.Issue("ghost", "ghost@x.com", store.RoleUser)
	require.NoError(t, err)

	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, store.ErrUnknownToken)
}

func TestLogoutIdempotent(t *testing.T) {
	svc, st := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "bye@x.com", "secret12", "")
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, sess.RefreshToken))
	rec, err := st.SessionByToken(ctx, sess.RefreshToken)
	require.NoError(t, err)
	assert.True(t, rec.Revoked)

	// Logging out twice, or with garbage, never fails.
	require.NoError(t, svc.Logout(ctx, sess.RefreshToken))
	require.NoError(t, svc.Logout(ctx, "garbage"))

	// A logged-out token cannot be rotated.
	_, err = svc.Refresh(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, store.ErrSessionRevoked)
}

func TestCurrentIdentity(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	sess, err := svc.Register(ctx, "me@x.com", "secret12", "Me")
	require.NoError(t, err)

	identity, err := svc.CurrentIdentity(ctx, sess.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "me@x.com", identity.Email)

	_, err = svc.CurrentIdentity(ctx, sess.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.CurrentIdentity(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
