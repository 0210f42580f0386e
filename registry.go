package command

import (
	"sort"
	"sync"

	"github.com/goliatone/go-errors"
)

// HandlerDescriptor binds a handler to one (platform, command, serviceType) triple.
type HandlerDescriptor struct {
	Command     Kind
	Platform    Platform
	ServiceType ServiceType
	Handler     Handler
	Config      HandlerConfig
}

type handlerKey struct {
	platform    Platform
	command     Kind
	serviceType ServiceType
}

func (d HandlerDescriptor) key() handlerKey {
	return handlerKey{platform: d.Platform, command: d.Command, serviceType: d.ServiceType}
}

// Registry maps (platform, command, serviceType) to exactly one handler.
// Build one per process, register everything, then Initialize it.
type Registry struct {
	mu          sync.RWMutex
	handlers    map[handlerKey]HandlerDescriptor
	initialized bool
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[handlerKey]HandlerDescriptor),
	}
}

// Register adds d. A duplicate triple is a ConflictError.
func (r *Registry) Register(d HandlerDescriptor) error {
	if d.ServiceType == "" {
		d.ServiceType = ServiceTypeGeneric
	}
	if d.Handler == nil {
		return NewValidationError("handler cannot be nil", map[string]any{
			"platform": string(d.Platform),
			"command":  string(d.Command),
		})
	}
	if err := d.Command.Validate(); err != nil {
		return err
	}
	if err := d.Platform.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return cloneError(ErrRegistrySealed, "cannot register handlers after registry has been initialized", nil, nil)
	}
	if r.handlers == nil {
		r.handlers = make(map[handlerKey]HandlerDescriptor)
	}
	if _, exists := r.handlers[d.key()]; exists {
		return NewConflictError(d.Platform, d.Command, d.ServiceType)
	}
	r.handlers[d.key()] = d
	return nil
}

// RegisterAll registers every descriptor and joins the failures.
func (r *Registry) RegisterAll(ds ...HandlerDescriptor) error {
	var errs error
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// MustRegister panics on any registration error; duplicates are programming defects.
func (r *Registry) MustRegister(ds ...HandlerDescriptor) *Registry {
	if err := r.RegisterAll(ds...); err != nil {
		panic(err)
	}
	return r
}

// Initialize seals the registry against further registration.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return cloneError(ErrRegistrySealed, "registry already initialized", nil, nil)
	}
	r.initialized = true
	return nil
}

// Resolve returns the exact serviceType match, then the generic fallback.
func (r *Registry) Resolve(platform Platform, kind Kind, serviceType ServiceType) (HandlerDescriptor, error) {
	if serviceType == "" {
		serviceType = ServiceTypeGeneric
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.handlers[handlerKey{platform: platform, command: kind, serviceType: serviceType}]; ok {
		return d, nil
	}
	if d, ok := r.handlers[handlerKey{platform: platform, command: kind, serviceType: ServiceTypeGeneric}]; ok {
		return d, nil
	}
	return HandlerDescriptor{}, NewNotImplementedError(platform, kind, serviceType)
}

// Supports reports whether Resolve would succeed.
func (r *Registry) Supports(platform Platform, kind Kind, serviceType ServiceType) bool {
	_, err := r.Resolve(platform, kind, serviceType)
	return err == nil
}

// Descriptors lists registrations ordered by platform, command, serviceType.
func (r *Registry) Descriptors() []HandlerDescriptor {
	r.mu.RLock()
	out := make([]HandlerDescriptor, 0, len(r.handlers))
	for _, d := range r.handlers {
		out = append(out, d)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.Command != b.Command {
			return a.Command < b.Command
		}
		return a.ServiceType < b.ServiceType
	})
	return out
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
