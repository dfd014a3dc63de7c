package mission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Target types. Only machines can be driven.
const (
	TargetMachine = "machine"
	TargetPersona = "persona"
)

type Mission struct {
	ID                uuid.UUID         `json:"id"`
	Name              string            `json:"name"`
	RulesOfEngagement RulesOfEngagement `json:"rules_of_engagement"`
	Systems           []System          `json:"systems"`
}

type RulesOfEngagement struct {
	Techniques Techniques `json:"techniques"`
}

type Techniques struct {
	Allowed    []string `json:"allowed,omitempty"`
	Prohibited []string `json:"prohibited,omitempty"`
}

type System struct {
	Targets []Target `json:"targets"`
}

type Target struct {
	Type    string   `json:"type"`
	Address string   `json:"address,omitempty"`
	Goals   []string `json:"goals"`
}

func (m Mission) Allowed() []string    { return m.RulesOfEngagement.Techniques.Allowed }
func (m Mission) Prohibited() []string { return m.RulesOfEngagement.Techniques.Prohibited }

// ValidationError reports a malformed mission payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid mission: " + e.Reason
	}
	return fmt.Sprintf("invalid mission: %s: %s", e.Field, e.Reason)
}

// UnsupportedTargetTypeError aborts the system containing the target.
type UnsupportedTargetTypeError struct {
	Type   string
	System int
	Target int
}

func (e *UnsupportedTargetTypeError) Error() string {
	return fmt.Sprintf("system %d target %d: unsupported target type %q", e.System, e.Target, e.Type)
}

// Validate checks the submitted shape. The id is not required.
func (m Mission) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	if len(m.Systems) == 0 {
		return &ValidationError{Field: "systems", Reason: "at least one system is required"}
	}
	for si, sys := range m.Systems {
		if len(sys.Targets) == 0 {
			return &ValidationError{Field: fmt.Sprintf("systems[%d].targets", si), Reason: "at least one target is required"}
		}
		for ti, t := range sys.Targets {
			field := fmt.Sprintf("systems[%d].targets[%d]", si, ti)
			if strings.TrimSpace(t.Type) == "" {
				return &ValidationError{Field: field + ".type", Reason: "required"}
			}
			if t.Type != TargetMachine {
				continue
			}
			if strings.TrimSpace(t.Address) == "" {
				return &ValidationError{Field: field + ".address", Reason: "required for machine targets"}
			}
			if len(t.Goals) == 0 {
				return &ValidationError{Field: field + ".goals", Reason: "at least one goal is required"}
			}
		}
	}
	return nil
}

// Parse decodes a submitted payload and validates it.
func Parse(data []byte) (Mission, error) {
	var m Mission
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return Mission{}, &ValidationError{Reason: "malformed json: " + err.Error()}
	}
	if err := m.Validate(); err != nil {
		return Mission{}, err
	}
	return m, nil
}

// ParseDispatched decodes a payload taken off the request exchange, which
// must carry its id.
func ParseDispatched(data []byte) (Mission, error) {
	m, err := Parse(data)
	if err != nil {
		return Mission{}, err
	}
	if m.ID == uuid.Nil {
		return Mission{}, &ValidationError{Field: "id", Reason: "required"}
	}
	return m, nil
}

// InjectID returns data with its top-level "id" set. Other fields are kept
// as submitted.
func InjectID(data []byte, id uuid.UUID) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &ValidationError{Reason: "payload must be a json object"}
	}
	if fields == nil {
		return nil, &ValidationError{Reason: "payload must be a json object"}
	}
	raw, err := json.Marshal(id.String())
	if err != nil {
		return nil, err
	}
	fields["id"] = raw
	return json.Marshal(fields)
}
