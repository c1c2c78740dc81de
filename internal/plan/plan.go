// ABOUTME: Generated plan validation and decoding of reasoner JSON output into steps.
// ABOUTME: Run records hold the ordered steps of one user request or assistant turn.

package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidPlan indicates a generated plan breaks the generator contract.
var ErrInvalidPlan = errors.New("invalid plan")

// FailedPlanMessage is the content of the degenerate plan returned when a
// reasoner cannot produce a structured plan.
const FailedPlanMessage = "Failed to generate plan."

// Failed returns the degenerate single-error plan.
func Failed() []Step {
	return []Step{NewError(FailedPlanMessage)}
}

// Validate checks a plan as returned by a generator: it must be non-empty,
// hold no result steps, and name a tool on every call. Error steps are
// allowed; a plan of only errors is valid but not executable.
func Validate(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	for i, s := range steps {
		switch b := s.Body.(type) {
		case Thought, Failure:
		case Call:
			if strings.TrimSpace(b.ToolName) == "" {
				return fmt.Errorf("%w: step %d: call without tool name", ErrInvalidPlan, i)
			}
		case Result:
			return fmt.Errorf("%w: step %d: generators must not emit result steps", ErrInvalidPlan, i)
		default:
			return fmt.Errorf("%w: step %d: missing body", ErrInvalidPlan, i)
		}
	}
	return nil
}

// AllErrors reports whether every step is an error step. Callers treat such
// a plan as "no executable plan".
func AllErrors(steps []Step) bool {
	if len(steps) == 0 {
		return false
	}
	for _, s := range steps {
		if s.Kind() != KindError {
			return false
		}
	}
	return true
}

// DecodeSteps parses reasoner output into fresh steps. It accepts either a
// JSON array of steps or an object wrapping one under "steps" or "plan", and
// tolerates markdown code fences around the JSON. Ids and timestamps are
// always assigned here; any the reasoner supplied are ignored.
func DecodeSteps(data []byte) ([]Step, error) {
	data = stripFences(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidPlan)
	}

	var raw []wireStep
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
	case '{':
		var wrapped struct {
			Steps []wireStep `json:"steps"`
			Plan  []wireStep `json:"plan"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
		}
		raw = wrapped.Steps
		if raw == nil {
			raw = wrapped.Plan
		}
		if raw == nil {
			// A single bare step object.
			var one wireStep
			if err := json.Unmarshal(data, &one); err != nil || one.Type == "" {
				return nil, fmt.Errorf("%w: object has no steps", ErrInvalidPlan)
			}
			raw = []wireStep{one}
		}
	default:
		return nil, fmt.Errorf("%w: output is not JSON", ErrInvalidPlan)
	}

	steps := make([]Step, 0, len(raw))
	for _, w := range raw {
		body, err := w.body()
		if err != nil {
			return nil, err
		}
		if c, ok := body.(Call); ok {
			c.Args = cloneArgs(c.Args)
			body = c
		}
		steps = append(steps, newStep(body))
	}
	return steps, nil
}

func stripFences(data []byte) []byte {
	data = bytes.TrimSpace(data)
	if !bytes.HasPrefix(data, []byte("```")) {
		return data
	}
	if nl := bytes.IndexByte(data, '\n'); nl >= 0 {
		data = data[nl+1:]
	} else {
		return nil
	}
	data = bytes.TrimSuffix(bytes.TrimSpace(data), []byte("```"))
	return bytes.TrimSpace(data)
}

// Role says who a run record belongs to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Record is the ordered step list of one request or assistant turn.
type Record struct {
	Role      Role      `json:"role"`
	Steps     []Step    `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// Clone returns a copy whose step slice is independent of r.
func (r Record) Clone() Record {
	r.Steps = slices.Clone(r.Steps)
	return r
}

// Last returns the final step, if any.
func (r Record) Last() (Step, bool) {
	if len(r.Steps) == 0 {
		return Step{}, false
	}
	return r.Steps[len(r.Steps)-1], true
}
