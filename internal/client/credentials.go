package client

import (
	"context"
	"sync"

	"github.com/steveyegge/docsync/internal/model"
	"github.com/steveyegge/docsync/internal/remote"
)

// credentials lets the client switch users without rebuilding the remote store's streams.
type credentials struct {
	mu       sync.Mutex
	provider remote.TokenProvider
	user     model.User
}

func providerFor(token string) (remote.TokenProvider, model.User, error) {
	if token == "" {
		return remote.EmptyTokenProvider{}, model.Unauthenticated, nil
	}
	p, err := remote.NewStaticTokenProvider(token)
	if err != nil {
		return nil, model.User{}, err
	}
	return p, p.User(), nil
}

func newCredentials(token string) (*credentials, error) {
	p, user, err := providerFor(token)
	if err != nil {
		return nil, err
	}
	return &credentials{provider: p, user: user}, nil
}

func (c *credentials) set(p remote.TokenProvider, user model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
	c.user = user
}

func (c *credentials) User() model.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.user
}

func (c *credentials) current() remote.TokenProvider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

func (c *credentials) GetToken(ctx context.Context) (remote.Token, error) {
	return c.current().GetToken(ctx)
}

func (c *credentials) InvalidateToken() { c.current().InvalidateToken() }
