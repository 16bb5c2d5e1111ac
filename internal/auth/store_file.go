package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileUserStore keeps users in memory and rewrites a JSON state file on
// every change.
type FileUserStore struct {
	path string

	mu    sync.RWMutex
	users map[string]User
}

func NewFileUserStore(path string) (*FileUserStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("user state file path is required")
	}

	s := &FileUserStore{
		path:  path,
		users: make(map[string]User),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileUserStore) GetByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *FileUserStore) GetByID(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ID == id {
			return cloneUser(u), nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *FileUserStore) Put(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.users[user.Username]
	s.users[user.Username] = cloneUser(user)
	if err := s.persistLocked(); err != nil {
		if had {
			s.users[user.Username] = prev
		} else {
			delete(s.users, user.Username)
		}
		return err
	}
	return nil
}

func (s *FileUserStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user store file: %w", err)
	}
	if len(b) == 0 {
		return nil
	}

	var decoded []User
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode user store file: %w", err)
	}
	for _, u := range decoded {
		if strings.TrimSpace(u.Username) == "" {
			continue
		}
		s.users[u.Username] = u
	}
	return nil
}

func (s *FileUserStore) persistLocked() error {
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user store file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir user store dir: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write user store file: %w", err)
	}
	return nil
}
