package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("weak password")
	ErrKeyspaceExhausted  = errors.New("could not generate a unique key")
	// ErrDanglingSession means a live session points at a user that no
	// longer exists. User deletion is expected to invalidate sessions first.
	ErrDanglingSession = errors.New("session references unknown user")
)

const (
	minPasswordLength = 12
	maxPasswordLength = 128

	sessionIDBytes     = 32
	maxSessionAttempts = 10
)

type Service struct {
	users    UserStore
	sessions SessionStore
	pepper   string
	ttl      time.Duration
	cost     int
	nowFunc  func() time.Time

	// dummyHash is compared against when the username is unknown so both
	// failure paths spend the same bcrypt work.
	dummyHash []byte
}

type ServiceConfig struct {
	PasswordPepper string
	SessionTTL     time.Duration
	SessionStore   SessionStore
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

func NewService(userStore UserStore, cfg ServiceConfig) (*Service, error) {
	if userStore == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if cfg.SessionStore == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.PasswordPepper == "" {
		return nil, fmt.Errorf("password pepper is required")
	}
	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("session TTL must be > 0")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	s := &Service{
		users:    userStore,
		sessions: cfg.SessionStore,
		pepper:   cfg.PasswordPepper,
		ttl:      cfg.SessionTTL,
		cost:     cost,
		nowFunc:  time.Now,
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(s.pepperedInput("dummy-password")), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// pepperedInput keys the password with the pepper. The hex digest keeps
// bcrypt's input under its 72 byte limit.
func (s *Service) pepperedInput(password string) string {
	mac := hmac.New(sha256.New, []byte(s.pepper))
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(s.pepperedInput(password)), s.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

func (s *Service) VerifyPassword(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(s.pepperedInput(password))) == nil
}

// Authenticate returns the user whose name matches exactly and whose password
// verifies. Unknown names and wrong passwords both yield
// ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return User{}, fmt.Errorf("lookup user: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(s.pepperedInput(password)))
		return User{}, ErrInvalidCredentials
	}
	if !s.VerifyPassword(password, u.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// CreateSession persists a new session for user. Concurrent sessions per
// user are not limited.
func (s *Service) CreateSession(ctx context.Context, user User) (Session, error) {
	for attempt := 0; attempt < maxSessionAttempts; attempt++ {
		sid, err := generateToken(sessionIDBytes)
		if err != nil {
			return Session{}, fmt.Errorf("generate session id: %w", err)
		}
		now := s.nowFunc()
		sess := Session{
			ID:        sid,
			UserID:    user.ID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		err = s.sessions.Insert(ctx, sess)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return Session{}, fmt.Errorf("store session: %w", err)
		}
	}
	return Session{}, fmt.Errorf("create session: %w", ErrKeyspaceExhausted)
}

// ResolveSession returns the session for sid if it exists and has not
// expired. Expired records are reported as absent whether or not they have
// been purged yet.
func (s *Service) ResolveSession(ctx context.Context, sid string) (Session, error) {
	if sid == "" {
		return Session{}, ErrSessionNotFound
	}
	sess, err := s.sessions.Get(ctx, sid)
	if err != nil {
		return Session{}, err
	}
	if !sess.ValidAt(s.nowFunc()) {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *Service) ResolveUser(ctx context.Context, sess Session) (User, error) {
	u, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, fmt.Errorf("%w: %s", ErrDanglingSession, sess.UserID)
		}
		return User{}, fmt.Errorf("lookup session user: %w", err)
	}
	return u, nil
}

// Logout deletes the session. Deleting an absent session is not an error.
func (s *Service) Logout(ctx context.Context, sid string) error {
	if err := s.sessions.Delete(ctx, sid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, user User, currentPassword, newPassword string) error {
	if err := validatePasswordPolicy(newPassword); err != nil {
		return err
	}
	current, err := s.users.GetByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("lookup user: %w", err)
	}
	if !s.VerifyPassword(currentPassword, current.PasswordHash) {
		return ErrInvalidCredentials
	}
	hash, err := s.HashPassword(newPassword)
	if err != nil {
		return err
	}
	current.PasswordHash = hash
	if err := s.users.Put(ctx, current); err != nil {
		return fmt.Errorf("store updated password: %w", err)
	}
	return nil
}

// PurgeExpired sweeps expired sessions when the store needs it. Stores with
// native expiry report zero.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	p, ok := s.sessions.(Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, s.nowFunc())
}

func validatePasswordPolicy(password string) error {
	if strings.TrimSpace(password) != password {
		return ErrWeakPassword
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return ErrWeakPassword
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit || !hasSpecial {
		return ErrWeakPassword
	}
	return nil
}

func generateToken(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("token length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
