// Package state persists resource records keyed by (environment, service) and
// answers whether a saved record still denotes a live resource.
package state

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-service-command"
)

// Store persists ResourceState records. Save is an atomic overwrite from the
// caller's point of view; Load never verifies liveness.
type Store interface {
	Load(ctx context.Context, env, service string) (*command.ResourceState, error)
	Save(ctx context.Context, env, service string, rec command.ResourceState) error
	Clear(ctx context.Context, env, service string) error
	List(ctx context.Context, env string) ([]Entry, error)
}

// Entry is one listed record. Err is set, and State left zero, when the
// stored record could not be read or decoded.
type Entry struct {
	Environment string
	Service     string
	State       command.ResourceState
	Err         error
}

func normalizeKey(env, service string) (string, string, error) {
	env = strings.TrimSpace(env)
	service = strings.TrimSpace(service)
	if env == "" || service == "" {
		return "", "", command.NewValidationError("state key requires environment and service", map[string]any{
			"environment": env,
			"service":     service,
		})
	}
	if strings.ContainsAny(env+service, "/\\:") {
		return "", "", command.NewValidationError("state key contains a reserved character", map[string]any{
			"environment": env,
			"service":     service,
		})
	}
	if isDotSegment(env) || isDotSegment(service) {
		return "", "", command.NewValidationError("state key cannot be a relative path segment", map[string]any{
			"environment": env,
			"service":     service,
		})
	}
	return env, service, nil
}

// normalizeEnv validates env on its own, for listings.
func normalizeEnv(env string) (string, error) {
	env, _, err := normalizeKey(env, "_")
	return env, err
}

func isDotSegment(s string) bool {
	return s == "." || s == ".."
}

// Prober answers whether a saved record still denotes a live resource.
type Prober interface {
	IsAlive(ctx context.Context, rec command.ResourceState) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, rec command.ResourceState) (bool, error)

func (f ProberFunc) IsAlive(ctx context.Context, rec command.ResourceState) (bool, error) {
	return f(ctx, rec)
}

// NoopProber is the default for platforms without a liveness primitive.
// It never claims a resource is alive.
type NoopProber struct{}

func (NoopProber) IsAlive(context.Context, command.ResourceState) (bool, error) {
	return false, nil
}

// Liveness dispatches IsAlive to the prober registered for the record's platform.
type Liveness struct {
	mu       sync.RWMutex
	probers  map[command.Platform]Prober
	fallback Prober
}

func NewLiveness() *Liveness {
	return &Liveness{
		probers:  make(map[command.Platform]Prober),
		fallback: NoopProber{},
	}
}

// Register sets the prober for platform, replacing any previous one.
func (l *Liveness) Register(platform command.Platform, p Prober) {
	if p == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.probers[platform] = p
}

// Prober returns the prober for platform or the no-op fallback.
func (l *Liveness) Prober(platform command.Platform) Prober {
	if l == nil {
		return NoopProber{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.probers[platform]; ok {
		return p
	}
	return l.fallback
}

// Supports reports whether a real prober is registered for platform.
func (l *Liveness) Supports(platform command.Platform) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.probers[platform]
	return ok
}

// IsAlive probes rec with its platform's prober.
func (l *Liveness) IsAlive(ctx context.Context, rec command.ResourceState) (bool, error) {
	return l.Prober(rec.Platform).IsAlive(ctx, rec)
}
