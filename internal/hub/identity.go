package hub

import (
	"context"
	"sync"

	"github.com/sugartalk/meet/internal/domain"
)

// UserResolver maps a client token to an authenticated user. Real identity
// resolution lives outside this service; the hub only consumes the contract.
type UserResolver interface {
	Resolve(ctx context.Context, token string) (*domain.User, error)
}

// GuestResolver hands out a stable guest identity per client token, so the
// same browser reconnecting keeps its user id across connections.
type GuestResolver struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func NewGuestResolver() *GuestResolver {
	return &GuestResolver{users: make(map[string]*domain.User)}
}

func (g *GuestResolver) Resolve(_ context.Context, token string) (*domain.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if u, ok := g.users[token]; ok {
		return u, nil
	}
	u := domain.NewGuest("")
	g.users[token] = u
	return u, nil
}
