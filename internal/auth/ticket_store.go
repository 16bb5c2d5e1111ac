package auth

import (
	"context"
	"sync"
	"time"
)

// TicketStore persists tickets keyed by token.
//
// InsertIfAbsent must be an atomic test-and-insert: it reports false, not an
// error, when the token is already held by an unconsumed ticket. Take removes
// and returns the ticket in one step so a token can be redeemed only once.
type TicketStore interface {
	InsertIfAbsent(ctx context.Context, t Ticket, ttl time.Duration) (bool, error)
	Take(ctx context.Context, token string) (Ticket, error)
}

type memTicket struct {
	ticket    Ticket
	expiresAt time.Time
}

type InMemoryTicketStore struct {
	nowFunc func() time.Time

	mu      sync.Mutex
	tickets map[string]memTicket
}

func NewInMemoryTicketStore() *InMemoryTicketStore {
	return &InMemoryTicketStore{nowFunc: time.Now, tickets: make(map[string]memTicket)}
}

func (s *InMemoryTicketStore) InsertIfAbsent(_ context.Context, t Ticket, ttl time.Duration) (bool, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.tickets[t.Token]; ok && now.Before(held.expiresAt) {
		return false, nil
	}
	s.tickets[t.Token] = memTicket{ticket: t, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryTicketStore) Take(_ context.Context, token string) (Ticket, error) {
	now := s.nowFunc()

	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.tickets[token]
	if !ok {
		return Ticket{}, ErrTicketNotFound
	}
	delete(s.tickets, token)
	if !now.Before(held.expiresAt) {
		return Ticket{}, ErrTicketNotFound
	}
	return held.ticket, nil
}

func (s *InMemoryTicketStore) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, held := range s.tickets {
		if !now.Before(held.expiresAt) {
			delete(s.tickets, token)
			n++
		}
	}
	return n, nil
}
