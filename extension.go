package command

import (
	"encoding/json"
	"time"
)

// Extension is the command specific payload layered on a CommandResult.
// The set of variants is closed: only types in this package implement it.
type Extension interface {
	Kind() Kind
	Validate() error
	sealed()
}

// ServiceStatus is the observed state reported by check.
type ServiceStatus string

const (
	StatusRunning   ServiceStatus = "running"
	StatusStopped   ServiceStatus = "stopped"
	StatusUnhealthy ServiceStatus = "unhealthy"
	StatusUnknown   ServiceStatus = "unknown"
)

// Health summarizes a liveness/health probe.
type Health struct {
	Healthy bool              `json:"healthy"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

type CheckExtension struct {
	Status     ServiceStatus `json:"status"`
	Health     Health        `json:"health"`
	ResourceID string        `json:"resourceId,omitempty"`
	// Stale is set when saved state pointed at a resource that no longer exists.
	Stale bool `json:"stale,omitempty"`
}

type StartExtension struct {
	StartTime  time.Time `json:"startTime"`
	ResourceID string    `json:"resourceId,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	// AlreadyRunning is set when start found a live resource and left it alone.
	AlreadyRunning bool `json:"alreadyRunning,omitempty"`
}

type StopExtension struct {
	StopTime time.Time `json:"stopTime"`
	Graceful bool      `json:"graceful"`
	Forced   bool      `json:"forced,omitempty"`
	// NotRunning is set when there was nothing to stop.
	NotRunning bool `json:"notRunning,omitempty"`
}

type RestartExtension struct {
	StopTime     time.Time `json:"stopTime"`
	StartTime    time.Time `json:"startTime"`
	RestartCount int       `json:"restartCount"`
	ResourceID   string    `json:"resourceId,omitempty"`
}

type UpdateExtension struct {
	PreviousVersion string        `json:"previousVersion,omitempty"`
	NewVersion      string        `json:"newVersion,omitempty"`
	Strategy        string        `json:"strategy"`
	Downtime        time.Duration `json:"downtime"`
}

type ProvisionExtension struct {
	Resources    []string `json:"resources"`
	Dependencies []string `json:"dependencies,omitempty"`
}

type PublishExtension struct {
	Artifact string   `json:"artifact"`
	Version  string   `json:"version,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type BackupExtension struct {
	BackupID string `json:"backupId"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size"`
	Format   string `json:"format,omitempty"`
}

type ExecExtension struct {
	Command  []string `json:"command"`
	ExitCode int      `json:"exitCode"`
	Output   string   `json:"output,omitempty"`
}

type TestExtension struct {
	Suite    string `json:"suite,omitempty"`
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	ExitCode int    `json:"exitCode"`
}

func (CheckExtension) Kind() Kind     { return KindCheck }
func (StartExtension) Kind() Kind     { return KindStart }
func (StopExtension) Kind() Kind      { return KindStop }
func (RestartExtension) Kind() Kind   { return KindRestart }
func (UpdateExtension) Kind() Kind    { return KindUpdate }
func (ProvisionExtension) Kind() Kind { return KindProvision }
func (PublishExtension) Kind() Kind   { return KindPublish }
func (BackupExtension) Kind() Kind    { return KindBackup }
func (ExecExtension) Kind() Kind      { return KindExec }
func (TestExtension) Kind() Kind      { return KindTest }

func (CheckExtension) sealed()     {}
func (StartExtension) sealed()     {}
func (StopExtension) sealed()      {}
func (RestartExtension) sealed()   {}
func (UpdateExtension) sealed()    {}
func (ProvisionExtension) sealed() {}
func (PublishExtension) sealed()   {}
func (BackupExtension) sealed()    {}
func (ExecExtension) sealed()      {}
func (TestExtension) sealed()      {}

func (e CheckExtension) Validate() error {
	switch e.Status {
	case StatusRunning, StatusStopped, StatusUnhealthy, StatusUnknown:
		return nil
	}
	return NewValidationError("invalid check status", map[string]any{"status": string(e.Status)})
}

func (e StartExtension) Validate() error {
	if e.StartTime.IsZero() && !e.AlreadyRunning {
		return NewValidationError("start extension requires startTime", nil)
	}
	return nil
}

func (e StopExtension) Validate() error {
	if e.StopTime.IsZero() && !e.NotRunning {
		return NewValidationError("stop extension requires stopTime", nil)
	}
	return nil
}

// Validate requires stopTime strictly before startTime once anything restarted.
func (e RestartExtension) Validate() error {
	if e.RestartCount < 0 {
		return NewValidationError("restartCount cannot be negative", map[string]any{"restartCount": e.RestartCount})
	}
	if e.RestartCount == 0 {
		return nil
	}
	if e.StopTime.IsZero() || e.StartTime.IsZero() {
		return NewValidationError("restart extension requires stopTime and startTime", nil)
	}
	if !e.StopTime.Before(e.StartTime) {
		return NewValidationError("restart stopTime must precede startTime", map[string]any{
			"stopTime":  e.StopTime,
			"startTime": e.StartTime,
		})
	}
	return nil
}

func (e UpdateExtension) Validate() error {
	if e.Strategy == "" {
		return NewValidationError("update extension requires strategy", nil)
	}
	if e.Downtime < 0 {
		return NewValidationError("update downtime cannot be negative", nil)
	}
	return nil
}

func (e ProvisionExtension) Validate() error { return nil }

func (e PublishExtension) Validate() error {
	if e.Artifact == "" {
		return NewValidationError("publish extension requires artifact", nil)
	}
	return nil
}

func (e BackupExtension) Validate() error {
	if e.Size < 0 {
		return NewValidationError("backup size cannot be negative", map[string]any{"size": e.Size})
	}
	return nil
}

func (e ExecExtension) Validate() error {
	if len(e.Command) == 0 {
		return NewValidationError("exec extension requires command", nil)
	}
	return nil
}

func (e TestExtension) Validate() error {
	if e.Passed < 0 || e.Failed < 0 {
		return NewValidationError("test counts cannot be negative", nil)
	}
	return nil
}

// ValidateExtension checks that ext belongs to kind and is internally consistent.
// A nil extension is always accepted.
func ValidateExtension(kind Kind, ext Extension) error {
	if ext == nil {
		return nil
	}
	if ext.Kind() != kind {
		return NewValidationError("extension does not match command", map[string]any{
			"command":   string(kind),
			"extension": string(ext.Kind()),
		})
	}
	return ext.Validate()
}

type extensionEnvelope struct {
	Kind Kind `json:"kind"`
}

// MarshalExtension encodes ext with a "kind" discriminator.
func MarshalExtension(ext Extension) ([]byte, error) {
	if ext == nil {
		return []byte("null"), nil
	}
	body, err := json.Marshal(ext)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(ext.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// DecodeExtension decodes a tagged extension. Unknown kinds and null decode to nil.
func DecodeExtension(data []byte) (Extension, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var env extensionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindCheck:
		var e CheckExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindStart:
		var e StartExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindStop:
		var e StopExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindRestart:
		var e RestartExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindUpdate:
		var e UpdateExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindProvision:
		var e ProvisionExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindPublish:
		var e PublishExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindBackup:
		var e BackupExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindExec:
		var e ExecExtension
		err := json.Unmarshal(data, &e)
		return e, err
	case KindTest:
		var e TestExtension
		err := json.Unmarshal(data, &e)
		return e, err
	default:
		return nil, nil
	}
}
