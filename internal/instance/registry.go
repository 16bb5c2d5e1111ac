package instance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("server not found")
	ErrInvalidInput = errors.New("invalid server input")
	ErrPortInUse    = errors.New("port already in use")
)

// Registry is the in-process view of the supervised servers, optionally
// mirrored to a JSON state file.
type Registry struct {
	nowFunc   func() time.Time
	stateFile string

	mu      sync.RWMutex
	servers map[string]Server
}

func NewRegistry() *Registry {
	return &Registry{
		nowFunc: time.Now,
		servers: make(map[string]Server),
	}
}

func NewRegistryWithFile(stateFile string) (*Registry, error) {
	r := &Registry{
		nowFunc:   time.Now,
		stateFile: strings.TrimSpace(stateFile),
		servers:   make(map[string]Server),
	}
	if r.stateFile == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Create(_ context.Context, s Server) (Server, error) {
	if err := validate(Patch{Name: s.Name, Port: s.Port}); err != nil {
		return Server{}, err
	}
	id, err := generateID(12)
	if err != nil {
		return Server{}, fmt.Errorf("generate id: %w", err)
	}

	now := r.nowFunc().UTC()
	s.ID = id
	s.Name = strings.TrimSpace(s.Name)
	s.CreatedAt = now
	s.ModifiedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.portTakenLocked(s.Port, "") {
		return Server{}, ErrPortInUse
	}
	prev := cloneServers(r.servers)
	r.servers[s.ID] = s
	if err := r.persistLocked(); err != nil {
		r.servers = prev
		return Server{}, err
	}
	return s, nil
}

func (r *Registry) List(_ context.Context) ([]Server, error) {
	r.mu.RLock()
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Registry) Get(_ context.Context, id string) (Server, error) {
	r.mu.RLock()
	s, ok := r.servers[id]
	r.mu.RUnlock()
	if !ok {
		return Server{}, ErrNotFound
	}
	return s, nil
}

func (r *Registry) SetRunning(_ context.Context, id string, running bool) (Server, error) {
	return r.mutate(id, func(s *Server) error {
		s.Running = running
		return nil
	})
}

func (r *Registry) Update(_ context.Context, id string, p Patch) (Server, error) {
	if err := validate(p); err != nil {
		return Server{}, err
	}
	return r.mutate(id, func(s *Server) error {
		if r.portTakenLocked(p.Port, id) {
			return ErrPortInUse
		}
		s.Name = strings.TrimSpace(p.Name)
		s.Port = p.Port
		return nil
	})
}

func (r *Registry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; !ok {
		return ErrNotFound
	}
	prev := cloneServers(r.servers)
	delete(r.servers, id)
	if err := r.persistLocked(); err != nil {
		r.servers = prev
		return err
	}
	return nil
}

func (r *Registry) mutate(id string, fn func(s *Server) error) (Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.servers[id]
	if !ok {
		return Server{}, ErrNotFound
	}
	if err := fn(&existing); err != nil {
		return Server{}, err
	}
	existing.ModifiedAt = r.nowFunc().UTC()

	prev := cloneServers(r.servers)
	r.servers[id] = existing
	if err := r.persistLocked(); err != nil {
		r.servers = prev
		return Server{}, err
	}
	return existing, nil
}

func (r *Registry) portTakenLocked(port int, exceptID string) bool {
	for id, s := range r.servers {
		if id != exceptID && s.Port == port {
			return true
		}
	}
	return false
}

func (r *Registry) loadState() error {
	b, err := os.ReadFile(r.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read server state: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var decoded []Server
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode server state: %w", err)
	}
	for _, s := range decoded {
		if s.ID == "" {
			continue
		}
		r.servers[s.ID] = s
	}
	return nil
}

func (r *Registry) persistLocked() error {
	if r.stateFile == "" {
		return nil
	}
	out := make([]Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode server state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return fmt.Errorf("mkdir server state dir: %w", err)
	}
	if err := os.WriteFile(r.stateFile, b, 0o644); err != nil {
		return fmt.Errorf("write server state: %w", err)
	}
	return nil
}

func cloneServers(src map[string]Server) map[string]Server {
	out := make(map[string]Server, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func validate(p Patch) error {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(name) > 64 {
		return fmt.Errorf("%w: name must be at most 64 characters", ErrInvalidInput)
	}
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalidInput)
	}
	return nil
}

func generateID(n int) (string, error) {
	if n < 8 {
		return "", fmt.Errorf("id length too short")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
