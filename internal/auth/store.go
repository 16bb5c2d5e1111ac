package auth

import (
	"context"
	"errors"
	"sync"
)

var ErrUserNotFound = errors.New("user not found")

type UserStore interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	Put(ctx context.Context, user User) error
}

type InMemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{users: make(map[string]User)}
}

func (s *InMemoryUserStore) GetByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *InMemoryUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ID == id {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *InMemoryUserStore) Put(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = cloneUser(user)
	return nil
}

func cloneUser(u User) User {
	if u.Permissions != nil {
		perms := make(map[string]bool, len(u.Permissions))
		for k, v := range u.Permissions {
			perms[k] = v
		}
		u.Permissions = perms
	}
	return u
}
