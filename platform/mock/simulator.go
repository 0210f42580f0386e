// Package mock is an in-memory platform for tests and rehearsals. Every
// command is implemented against a Simulator instead of a real substrate.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-service-command"
)

// InstanceState is the saved payload for a simulated instance.
type InstanceState struct {
	InstanceID string    `json:"instance_id"`
	Version    string    `json:"version,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

type instance struct {
	id        string
	service   string
	version   string
	startedAt time.Time
	running   bool
}

// Simulator holds the simulated instances. It is safe for concurrent use.
type Simulator struct {
	mu        sync.Mutex
	instances map[string]*instance
	seq       int
	now       func() time.Time
	last      time.Time
}

type Option func(*Simulator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		instances: make(map[string]*instance),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Now returns the simulator clock. Successive readings strictly increase.
func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick()
}

func (s *Simulator) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *Simulator) launch(service, version string) InstanceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	inst := &instance{
		id:        fmt.Sprintf("mock-%s-%d", service, s.seq),
		service:   service,
		version:   version,
		startedAt: s.tick(),
		running:   true,
	}
	s.instances[inst.id] = inst
	return InstanceState{InstanceID: inst.id, Version: version, StartedAt: inst.startedAt}
}

func (s *Simulator) halt(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok || !inst.running {
		return false
	}
	inst.running = false
	return true
}

func (s *Simulator) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return ok && inst.running
}

// Kill stops an instance behind the dispatcher's back, as a crash would.
func (s *Simulator) Kill(id string) {
	s.halt(id)
}

// Running lists the ids of running instances, sorted.
func (s *Simulator) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, inst := range s.instances {
		if inst.running {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// IsAlive implements state.Prober for mock records.
func (s *Simulator) IsAlive(_ context.Context, rec command.ResourceState) (bool, error) {
	var st InstanceState
	if err := rec.Decode(&st); err != nil {
		return false, err
	}
	return s.running(st.InstanceID), nil
}
