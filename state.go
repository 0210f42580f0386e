package command

import (
	"bytes"
	"encoding/json"
	"time"
)

// ResourceState is the persisted identity of a live or provisioned resource.
// Payload is owned by the platform named in Platform.
type ResourceState struct {
	Platform Platform        `json:"platform"`
	Payload  json.RawMessage `json:"payload"`
	SavedAt  time.Time       `json:"saved_at"`
}

// NewResourceState encodes payload under the platform tag.
func NewResourceState(platform Platform, payload any) (ResourceState, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ResourceState{}, NewStateIOError("encode resource state", err, map[string]any{"platform": string(platform)})
	}
	return ResourceState{Platform: platform, Payload: raw}, nil
}

// Decode unmarshals the payload into out.
func (s ResourceState) Decode(out any) error {
	if len(s.Payload) == 0 {
		return NewStateIOError("empty resource state payload", nil, map[string]any{"platform": string(s.Platform)})
	}
	if err := json.Unmarshal(s.Payload, out); err != nil {
		return NewStateIOError("decode resource state", err, map[string]any{"platform": string(s.Platform)})
	}
	return nil
}

// Equal compares platform, payload bytes and save time.
func (s ResourceState) Equal(other ResourceState) bool {
	return s.Platform == other.Platform &&
		bytes.Equal(s.Payload, other.Payload) &&
		s.SavedAt.Equal(other.SavedAt)
}

// Clone returns a deep copy.
func (s ResourceState) Clone() ResourceState {
	cp := s
	if s.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), s.Payload...)
	}
	return cp
}

type stateOp int

const (
	stateKeep stateOp = iota
	stateSave
	stateClear
)

// StateChange is what a handler asks the dispatcher to persist for its own binding.
// The zero value keeps whatever is stored.
type StateChange struct {
	op     stateOp
	record ResourceState
}

// SaveState replaces the stored record once the handler has confirmed the resource.
func SaveState(rec ResourceState) StateChange {
	return StateChange{op: stateSave, record: rec.Clone()}
}

// ClearState removes the stored record after teardown.
func ClearState() StateChange {
	return StateChange{op: stateClear}
}

func (c StateChange) IsSave() bool  { return c.op == stateSave }
func (c StateChange) IsClear() bool { return c.op == stateClear }
func (c StateChange) IsKeep() bool  { return c.op == stateKeep }

// Record returns the record to save; valid only when IsSave.
func (c StateChange) Record() ResourceState {
	return c.record.Clone()
}
