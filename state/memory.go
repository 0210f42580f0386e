package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-service-command"
)

// MemoryStore is a thread-safe in-process store, used by tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	state map[string]map[string]command.ResourceState
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: make(map[string]map[string]command.ResourceState),
		now:   time.Now,
	}
}

// Load returns a cloned record, or nil when none is stored.
func (s *MemoryStore) Load(_ context.Context, env, service string) (*command.ResourceState, error) {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state[env][service]
	if !ok {
		return nil, nil
	}
	cp := rec.Clone()
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, env, service string, rec command.ResourceState) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	rec = rec.Clone()
	if rec.SavedAt.IsZero() {
		rec.SavedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[env] == nil {
		s.state[env] = make(map[string]command.ResourceState)
	}
	s.state[env][service] = rec
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, env, service string) error {
	env, service, err := normalizeKey(env, service)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state[env], service)
	return nil
}

// List returns entries for env ordered by service name.
func (s *MemoryStore) List(_ context.Context, env string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.state[env]))
	for service, rec := range s.state[env] {
		out = append(out, Entry{Environment: env, Service: service, State: rec.Clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
