package remote

import (
	"context"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

func signedToken(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	raw, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestStaticTokenProvider(t *testing.T) {
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour)
	raw := signedToken(t, gojwt.MapClaims{"sub": "alice", "exp": expiry.Unix()})

	p, err := NewStaticTokenProvider(raw)
	require.NoError(t, err)
	assert.Equal(t, model.User{UID: "alice"}, p.User())

	tok, err := p.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, raw, tok.Value)
	assert.Equal(t, "alice", tok.User.UID)

	p.now = func() time.Time { return expiry.Add(time.Second) }
	_, err = p.GetToken(ctx)
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))
}

func TestStaticTokenProviderPrefersUserIDClaim(t *testing.T) {
	p, err := NewStaticTokenProvider(signedToken(t, gojwt.MapClaims{"sub": "subject", "user_id": "bob"}))
	require.NoError(t, err)
	assert.Equal(t, "bob", p.User().UID)
}

func TestStaticTokenProviderRejectsGarbage(t *testing.T) {
	_, err := NewStaticTokenProvider("not-a-jwt")
	assert.Equal(t, status.InvalidArgument, status.CodeOf(err))
}

func TestEmptyTokenProvider(t *testing.T) {
	tok, err := EmptyTokenProvider{}.GetToken(context.Background())
	require.NoError(t, err)
	assert.False(t, tok.User.IsAuthenticated())
	assert.Empty(t, tok.Value)
}
