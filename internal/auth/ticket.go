package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrTicketOriginMismatch is returned when a ticket is redeemed from a
// different address than it was issued to. The ticket is consumed either way.
var ErrTicketOriginMismatch = errors.New("ticket origin mismatch")

const (
	ticketTokenBytes      = 24
	defaultTicketTTL      = time.Minute
	defaultTicketAttempts = 10
)

type TicketConfig struct {
	TTL         time.Duration
	MaxAttempts int
}

// TicketIssuer mints single-use tokens for the streaming handshake.
type TicketIssuer struct {
	store       TicketStore
	ttl         time.Duration
	maxAttempts int
	nowFunc     func() time.Time
	newToken    func() (string, error)
}

func NewTicketIssuer(store TicketStore, cfg TicketConfig) (*TicketIssuer, error) {
	if store == nil {
		return nil, fmt.Errorf("ticket store is required")
	}
	if cfg.TTL < 0 || cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("ticket TTL and attempts must not be negative")
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTicketTTL
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultTicketAttempts
	}
	return &TicketIssuer{
		store:       store,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		nowFunc:     time.Now,
		newToken:    newTicketToken,
	}, nil
}

// Issue stores a fresh ticket bound to user, origin and agent. A token that
// is already held regenerates; after maxAttempts collisions Issue gives up
// with ErrKeyspaceExhausted.
func (i *TicketIssuer) Issue(ctx context.Context, user User, originAddress, agent string) (Ticket, error) {
	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		token, err := i.newToken()
		if err != nil {
			return Ticket{}, fmt.Errorf("generate ticket token: %w", err)
		}
		t := Ticket{
			Token:         token,
			UserID:        user.ID,
			OriginAddress: originAddress,
			Agent:         agent,
			CreatedAt:     i.nowFunc(),
		}
		inserted, err := i.store.InsertIfAbsent(ctx, t, i.ttl)
		if err != nil {
			return Ticket{}, fmt.Errorf("store ticket: %w", err)
		}
		if inserted {
			return t, nil
		}
	}
	return Ticket{}, fmt.Errorf("issue ticket after %d attempts: %w", i.maxAttempts, ErrKeyspaceExhausted)
}

// Redeem consumes the ticket for token and checks it was issued to
// originAddress.
func (i *TicketIssuer) Redeem(ctx context.Context, token, originAddress string) (Ticket, error) {
	if token == "" {
		return Ticket{}, ErrTicketNotFound
	}
	t, err := i.store.Take(ctx, token)
	if err != nil {
		return Ticket{}, err
	}
	if t.OriginAddress != originAddress {
		return Ticket{}, ErrTicketOriginMismatch
	}
	return t, nil
}

func (i *TicketIssuer) PurgeExpired(ctx context.Context) (int, error) {
	p, ok := i.store.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, i.nowFunc())
}

func newTicketToken() (string, error) {
	b := make([]byte, ticketTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
