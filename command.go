package command

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Kind identifies a lifecycle command.
type Kind string

const (
	KindCheck     Kind = "check"
	KindStart     Kind = "start"
	KindStop      Kind = "stop"
	KindUpdate    Kind = "update"
	KindRestart   Kind = "restart"
	KindProvision Kind = "provision"
	KindPublish   Kind = "publish"
	KindBackup    Kind = "backup"
	KindExec      Kind = "exec"
	KindTest      Kind = "test"
)

var knownKinds = map[Kind]bool{
	KindCheck:     false,
	KindStart:     true,
	KindStop:      true,
	KindUpdate:    true,
	KindRestart:   true,
	KindProvision: true,
	KindPublish:   true,
	KindBackup:    false,
	KindExec:      true,
	KindTest:      false,
}

// Kinds returns every known command kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind normalizes and validates a command name.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

func (k Kind) String() string { return string(k) }

// Validate reports whether k is a known command.
func (k Kind) Validate() error {
	if _, ok := knownKinds[k]; !ok {
		return NewValidationError("unknown command", map[string]any{"command": string(k)})
	}
	return nil
}

// Mutating reports whether the command changes platform resources.
func (k Kind) Mutating() bool {
	return knownKinds[k]
}

// Platform is an execution substrate a service runs on.
type Platform string

const (
	PlatformAWS       Platform = "aws"
	PlatformContainer Platform = "container"
	PlatformPOSIX     Platform = "posix"
	PlatformMock      Platform = "mock"
)

// Validate reports whether p is a known platform.
func (p Platform) Validate() error {
	switch p {
	case PlatformAWS, PlatformContainer, PlatformPOSIX, PlatformMock:
		return nil
	}
	return NewValidationError("unknown platform", map[string]any{"platform": string(p)})
}

// ServiceType sub-classifies a service within a platform.
type ServiceType string

const (
	ServiceTypeGeneric    ServiceType = "generic"
	ServiceTypeWeb        ServiceType = "web"
	ServiceTypeBackend    ServiceType = "backend"
	ServiceTypeFrontend   ServiceType = "frontend"
	ServiceTypeDatabase   ServiceType = "database"
	ServiceTypeFilesystem ServiceType = "filesystem"
	ServiceTypeMCP        ServiceType = "mcp"
)

// Handler performs the platform operation for one binding.
type Handler interface {
	Handle(ctx context.Context, hc HandlerContext) (Outcome, error)
}

// HandlerFunc is an adapter that lets you use a function as a Handler
type HandlerFunc func(ctx context.Context, hc HandlerContext) (Outcome, error)

// Handle calls the underlying function
func (f HandlerFunc) Handle(ctx context.Context, hc HandlerContext) (Outcome, error) {
	return f(ctx, hc)
}

// HandlerContext is the input every handler receives.
type HandlerContext struct {
	Binding     ServiceBinding
	Command     Kind
	Environment string
	Options     Options
	// SavedState is nil when nothing was saved or the saved record was unreadable.
	SavedState *ResourceState
	Logger     Logger
}

// DryRun reports whether mutating platform calls must be skipped.
func (hc HandlerContext) DryRun() bool {
	return hc.Options.DryRun
}

// HandlerConfig is the per-descriptor execution policy.
type HandlerConfig struct {
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
	// RetryDelay is the first backoff delay; it doubles per attempt.
	RetryDelay time.Duration `json:"retry_delay"`
	NoTimeout  bool          `json:"no_timeout"`
}

// Options are the validated command options shared by every handler.
type Options struct {
	DryRun      bool          `json:"dry_run"`
	Verbose     bool          `json:"verbose"`
	Force       bool          `json:"force"`
	Timeout     time.Duration `json:"timeout"`
	Concurrency int           `json:"concurrency"`
	// Args is the command line for exec and the optional test filter for test.
	Args []string `json:"args,omitempty"`
	// Image overrides the artifact reference for update and publish.
	Image string `json:"image,omitempty"`
	// Tag is the version label for publish.
	Tag string `json:"tag,omitempty"`
}

// Validate checks options against the command they are used with.
func (o Options) Validate(kind Kind) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	if o.Timeout < 0 {
		return NewValidationError("timeout cannot be negative", map[string]any{"timeout": o.Timeout.String()})
	}
	if o.Concurrency < 0 {
		return NewValidationError("concurrency cannot be negative", map[string]any{"concurrency": o.Concurrency})
	}
	if kind == KindExec && len(o.Args) == 0 {
		return NewValidationError("exec requires a command", map[string]any{"command": string(kind)})
	}
	return nil
}
