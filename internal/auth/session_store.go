package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTicketNotFound  = errors.New("ticket not found")
	// ErrDuplicateKey is returned by stores when an insert hits an existing
	// key. Callers treat it as a signal to regenerate the key.
	ErrDuplicateKey = errors.New("duplicate key")
)

// SessionStore persists sessions keyed by sid. Implementations must make
// Insert an atomic insert-if-absent and Delete idempotent.
type SessionStore interface {
	Insert(ctx context.Context, sess Session) error
	Get(ctx context.Context, sid string) (Session, error)
	Delete(ctx context.Context, sid string) error
}

// Purger is implemented by stores that need an external sweep to drop
// expired records.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]Session)}
}

func (s *InMemorySessionStore) Insert(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return ErrDuplicateKey
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemorySessionStore) Get(_ context.Context, sid string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *InMemorySessionStore) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sid)
	return nil
}

func (s *InMemorySessionStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sid, sess := range s.sessions {
		if !sess.ValidAt(now) {
			delete(s.sessions, sid)
			n++
		}
	}
	return n, nil
}
