package credentials

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquium-journals/colloquium-sub006/internal/errs"
)

func newIssuer(t *testing.T) (*Issuer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewIssuer(client, time.Minute), mr
}

func TestMintCarriesExactlyDeclaredPermissions(t *testing.T) {
	ctx := context.Background()
	issuer, _ := newIssuer(t)

	cred, err := issuer.Mint(ctx, "bot-editorial", "m-1", []string{PermReadManuscript})
	require.NoError(t, err)
	assert.NotEmpty(t, cred.Token)
	assert.True(t, cred.Allows(PermReadManuscript))
	assert.False(t, cred.Allows(PermReadManuscriptFiles))

	got, err := issuer.Verify(ctx, cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.BotID, got.BotID)
	assert.Equal(t, cred.Permissions, got.Permissions)
}

func TestMintWithNoPermissions(t *testing.T) {
	issuer, _ := newIssuer(t)
	cred, err := issuer.Mint(context.Background(), "bot-x", "m-1", nil)
	require.NoError(t, err)
	assert.Empty(t, cred.Permissions)
	assert.False(t, cred.Allows(PermReadConversations))
}

func TestCredentialExpiresAndRevokes(t *testing.T) {
	ctx := context.Background()
	issuer, mr := newIssuer(t)

	cred, err := issuer.Mint(ctx, "bot-editorial", "m-1", []string{PermReadConversations})
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	_, err = issuer.Verify(ctx, cred.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	cred, err = issuer.Mint(ctx, "bot-editorial", "m-1", nil)
	require.NoError(t, err)
	require.NoError(t, issuer.Revoke(ctx, cred.Token))
	_, err = issuer.Verify(ctx, cred.Token)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
