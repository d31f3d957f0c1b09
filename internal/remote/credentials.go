package remote

import (
	"context"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/status"
)

// Token is an auth token and the user it identifies.
type Token struct {
	Value string
	User  model.User
}

// TokenProvider supplies auth tokens for opening streams.
type TokenProvider interface {
	GetToken(ctx context.Context) (Token, error)
	// InvalidateToken forces the next GetToken to obtain a fresh token.
	InvalidateToken()
}

// AppCheckTokenProvider supplies app attestation tokens sent alongside the auth token.
type AppCheckTokenProvider interface {
	GetToken(ctx context.Context) (string, error)
	InvalidateToken()
}

// EmptyTokenProvider authenticates as the anonymous user.
type EmptyTokenProvider struct{}

func (EmptyTokenProvider) GetToken(context.Context) (Token, error) {
	return Token{User: model.Unauthenticated}, nil
}

func (EmptyTokenProvider) InvalidateToken() {}

// StaticTokenProvider serves a fixed JWT. The signature is not verified here; the backend
// does that. The claims only identify the user and the expiry.
type StaticTokenProvider struct {
	raw    string
	user   model.User
	expiry time.Time
	now    func() time.Time
}

// NewStaticTokenProvider parses raw and reads the user from the user_id or sub claim.
func NewStaticTokenProvider(raw string) (*StaticTokenProvider, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(raw, gojwt.MapClaims{})
	if err != nil {
		return nil, status.New(status.InvalidArgument, "parse auth token: %v", err)
	}
	claims := token.Claims.(gojwt.MapClaims)

	p := &StaticTokenProvider{raw: raw, now: time.Now}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		p.user = model.User{UID: uid}
	} else if sub, err := claims.GetSubject(); err == nil {
		p.user = model.User{UID: sub}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		p.expiry = exp.Time
	}
	return p, nil
}

// User is the user the token identifies.
func (p *StaticTokenProvider) User() model.User { return p.user }

func (p *StaticTokenProvider) GetToken(context.Context) (Token, error) {
	if !p.expiry.IsZero() && !p.now().Before(p.expiry) {
		return Token{}, status.New(status.Unauthenticated, "auth token for %s expired at %s", p.user, p.expiry.Format(time.RFC3339))
	}
	return Token{Value: p.raw, User: p.user}, nil
}

// InvalidateToken is a no-op: a static token cannot be refreshed.
func (p *StaticTokenProvider) InvalidateToken() {}
