package auth

import "time"

type User struct {
	ID           string          `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"passwordHash"`
	Permissions  map[string]bool `json:"permissions"`
	Root         bool            `json:"root"`
}

// Session is one authenticated login. It is valid while now < ExpiresAt.
type Session struct {
	ID        string    `json:"sid"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s Session) ValidAt(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Ticket authorizes a single streaming connection.
type Ticket struct {
	Token         string    `json:"token"`
	UserID        string    `json:"userId"`
	OriginAddress string    `json:"originAddress"`
	Agent         string    `json:"agent"`
	CreatedAt     time.Time `json:"createdAt"`
}

type SessionView struct {
	LoggedIn   bool       `json:"loggedIn"`
	Expiration *time.Time `json:"expiration,omitempty"`
	UserID     string     `json:"userId,omitempty"`
}
