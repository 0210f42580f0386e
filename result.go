package command

import (
	"encoding/json"
	"time"
)

// Outcome is what a handler returns on a normal (non error) exit.
type Outcome struct {
	Success bool
	// Err explains an operational failure when Success is false.
	Err       error
	Metadata  map[string]any
	Extension Extension
	State     StateChange
}

// Succeeded builds a successful outcome carrying ext.
func Succeeded(ext Extension) Outcome {
	return Outcome{Success: true, Extension: ext}
}

// Failed builds a failed outcome. ext may be nil.
func Failed(err error, ext Extension) Outcome {
	return Outcome{Success: false, Err: err, Extension: ext}
}

// WithState attaches a state change to the outcome.
func (o Outcome) WithState(change StateChange) Outcome {
	o.State = change
	return o
}

// WithMetadata merges meta into the outcome metadata.
func (o Outcome) WithMetadata(meta map[string]any) Outcome {
	o.Metadata = mergeMetadata(o.Metadata, meta)
	return o
}

// CommandResult is the common envelope for one dispatched binding.
type CommandResult struct {
	Entity      string         `json:"entity"`
	Platform    Platform       `json:"platform"`
	ServiceType ServiceType    `json:"serviceType"`
	Command     Kind           `json:"command"`
	Success     bool           `json:"success"`
	Timestamp   time.Time      `json:"timestamp"`
	Duration    time.Duration  `json:"duration"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Extensions  Extension      `json:"-"`
}

type commandResultJSON struct {
	Entity      string          `json:"entity"`
	Platform    Platform        `json:"platform"`
	ServiceType ServiceType     `json:"serviceType"`
	Command     Kind            `json:"command"`
	Success     bool            `json:"success"`
	Timestamp   time.Time       `json:"timestamp"`
	Duration    time.Duration   `json:"duration"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"errorCode,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Extensions  json.RawMessage `json:"extensions,omitempty"`
}

func (r CommandResult) MarshalJSON() ([]byte, error) {
	out := commandResultJSON{
		Entity:      r.Entity,
		Platform:    r.Platform,
		ServiceType: r.ServiceType,
		Command:     r.Command,
		Success:     r.Success,
		Timestamp:   r.Timestamp,
		Duration:    r.Duration,
		Error:       r.Error,
		ErrorCode:   r.ErrorCode,
		Metadata:    r.Metadata,
	}
	if r.Extensions != nil {
		ext, err := MarshalExtension(r.Extensions)
		if err != nil {
			return nil, err
		}
		out.Extensions = ext
	}
	return json.Marshal(out)
}

func (r *CommandResult) UnmarshalJSON(data []byte) error {
	var in commandResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ext, err := DecodeExtension(in.Extensions)
	if err != nil {
		return err
	}
	*r = CommandResult{
		Entity:      in.Entity,
		Platform:    in.Platform,
		ServiceType: in.ServiceType,
		Command:     in.Command,
		Success:     in.Success,
		Timestamp:   in.Timestamp,
		Duration:    in.Duration,
		Error:       in.Error,
		ErrorCode:   in.ErrorCode,
		Metadata:    in.Metadata,
		Extensions:  ext,
	}
	return nil
}

// NewCommandResult builds the envelope for binding from a handler outcome.
// The extension is validated against kind here so a malformed variant never reaches callers.
func NewCommandResult(binding ServiceBinding, kind Kind, outcome Outcome, at time.Time, took time.Duration) CommandResult {
	res := CommandResult{
		Entity:      binding.Name,
		Platform:    binding.Platform,
		ServiceType: binding.Type,
		Command:     kind,
		Success:     outcome.Success,
		Timestamp:   at,
		Duration:    took,
		Metadata:    mergeMetadata(nil, outcome.Metadata),
	}
	if err := ValidateExtension(kind, outcome.Extension); err != nil {
		return FailedResult(binding, kind, NewHandlerExecutionError(err, nil), at, took)
	}
	res.Extensions = outcome.Extension
	if !outcome.Success {
		err := outcome.Err
		if err == nil {
			err = NewHandlerExecutionError(nil, nil)
		}
		res.Error = ErrorMessage(err)
		res.ErrorCode = FailureCode(err)
	}
	return res
}

// FailedResult builds a failed envelope for binding.
func FailedResult(binding ServiceBinding, kind Kind, err error, at time.Time, took time.Duration) CommandResult {
	if err == nil {
		err = NewHandlerExecutionError(nil, nil)
	}
	return CommandResult{
		Entity:      binding.Name,
		Platform:    binding.Platform,
		ServiceType: binding.Type,
		Command:     kind,
		Success:     false,
		Timestamp:   at,
		Duration:    took,
		Error:       ErrorMessage(err),
		ErrorCode:   FailureCode(err),
	}
}

// CommandResults is the ordered aggregate of one command across bindings.
type CommandResults struct {
	RunID       string          `json:"runId"`
	Command     Kind            `json:"command"`
	Environment string          `json:"environment"`
	Selector    string          `json:"selector"`
	Results     []CommandResult `json:"results"`
	StartedAt   time.Time       `json:"startedAt"`
	Duration    time.Duration   `json:"duration"`
	Succeeded   int             `json:"succeeded"`
	Failed      int             `json:"failed"`
	Success     bool            `json:"success"`
}

// Aggregate reduces ordered per-binding results into one aggregate.
// Success is the logical AND of every result and false for an empty set.
func Aggregate(runID string, kind Kind, env, selector string, startedAt time.Time, duration time.Duration, results []CommandResult) CommandResults {
	agg := CommandResults{
		RunID:       runID,
		Command:     kind,
		Environment: env,
		Selector:    selector,
		Results:     append([]CommandResult(nil), results...),
		StartedAt:   startedAt,
		Duration:    duration,
		Success:     len(results) > 0,
	}
	for _, r := range results {
		if r.Success {
			agg.Succeeded++
		} else {
			agg.Failed++
			agg.Success = false
		}
	}
	return agg
}

// Result returns the result for entity.
func (c CommandResults) Result(entity string) (CommandResult, bool) {
	for _, r := range c.Results {
		if r.Entity == entity {
			return r, true
		}
	}
	return CommandResult{}, false
}

// Entities lists result entities in order.
func (c CommandResults) Entities() []string {
	out := make([]string, 0, len(c.Results))
	for _, r := range c.Results {
		out = append(out, r.Entity)
	}
	return out
}

// ExtensionsOf returns the extensions of type T in result order, skipping others.
func ExtensionsOf[T Extension](c CommandResults) []T {
	out := make([]T, 0, len(c.Results))
	for _, r := range c.Results {
		if ext, ok := r.Extensions.(T); ok {
			out = append(out, ext)
		}
	}
	return out
}

func mergeMetadata(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
