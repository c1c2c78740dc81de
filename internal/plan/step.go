// ABOUTME: Plan step tagged variant: thought, call, result and error bodies behind one Step envelope.
// ABOUTME: Steps carry an opaque unique id and a creation timestamp; JSON uses a "type" discriminant.

package plan

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind is the step discriminant.
type Kind string

const (
	KindThought Kind = "thought"
	KindCall    Kind = "call"
	KindResult  Kind = "result"
	KindError   Kind = "error"
)

// Body is the kind-specific payload of a step. The set of bodies is closed.
type Body interface {
	Kind() Kind
	isBody()
}

// Thought is informational reasoning with no side effect.
type Thought struct {
	Content string
}

// Call requests a tool invocation.
type Call struct {
	ToolName         string
	Args             map[string]any
	Description      string
	ExecutionProfile string
}

// Result carries the raw payload a tool returned for the call CallID.
type Result struct {
	CallID  string
	Content string
}

// Failure is an error step. CallID is set when it answers a specific call.
type Failure struct {
	CallID  string
	Content string
}

func (Thought) Kind() Kind { return KindThought }
func (Call) Kind() Kind    { return KindCall }
func (Result) Kind() Kind  { return KindResult }
func (Failure) Kind() Kind { return KindError }

func (Thought) isBody() {}
func (Call) isBody()    {}
func (Result) isBody()  {}
func (Failure) isBody() {}

// Step is one entry of a plan or run record.
type Step struct {
	ID        string
	Timestamp time.Time
	Body      Body
}

func newStep(body Body) Step {
	return Step{ID: uuid.New().String(), Timestamp: time.Now(), Body: body}
}

// NewThought creates a thought step.
func NewThought(content string) Step {
	return newStep(Thought{Content: content})
}

// NewCall creates a call step. Args is copied.
func NewCall(toolName string, args map[string]any, profile string) Step {
	return newStep(Call{ToolName: toolName, Args: cloneArgs(args), ExecutionProfile: profile})
}

// NewResult creates the result step answering call.
func NewResult(call Step, content string) Step {
	return newStep(Result{CallID: call.ID, Content: content})
}

// NewError creates an error step not tied to a call.
func NewError(content string) Step {
	return newStep(Failure{Content: content})
}

// NewCallError creates the error step answering call.
func NewCallError(call Step, content string) Step {
	return newStep(Failure{CallID: call.ID, Content: content})
}

// Kind returns the step discriminant, or "" for a zero Step.
func (s Step) Kind() Kind {
	if s.Body == nil {
		return ""
	}
	return s.Body.Kind()
}

// Content returns the display text of the step. For calls that is the
// description when present, otherwise the tool name.
func (s Step) Content() string {
	switch b := s.Body.(type) {
	case Thought:
		return b.Content
	case Call:
		if b.Description != "" {
			return b.Description
		}
		return b.ToolName
	case Result:
		return b.Content
	case Failure:
		return b.Content
	}
	return ""
}

// Describe returns a copy of a call step with its description set. Other
// kinds are returned unchanged.
func (s Step) Describe(desc string) Step {
	if c, ok := s.Body.(Call); ok {
		c.Description = desc
		s.Body = c
	}
	return s
}

// AsCall returns the call body if the step is a call.
func (s Step) AsCall() (Call, bool) {
	c, ok := s.Body.(Call)
	return c, ok
}

// RespondsTo returns the id of the call a result or error step answers.
func (s Step) RespondsTo() string {
	switch b := s.Body.(type) {
	case Result:
		return b.CallID
	case Failure:
		return b.CallID
	}
	return ""
}

// String is used in logs.
func (s Step) String() string {
	return fmt.Sprintf("%s(%s)", s.Kind(), s.Content())
}

// wireStep is the JSON shape of a step.
type wireStep struct {
	ID               string         `json:"id,omitempty"`
	Type             Kind           `json:"type"`
	Timestamp        time.Time      `json:"timestamp,omitzero"`
	Content          string         `json:"content,omitempty"`
	ToolName         string         `json:"toolName,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	ExecutionProfile string         `json:"executionProfile,omitempty"`
	CallID           string         `json:"callId,omitempty"`
}

// MarshalJSON flattens the body into a "type"-tagged object.
func (s Step) MarshalJSON() ([]byte, error) {
	w := wireStep{ID: s.ID, Type: s.Kind(), Timestamp: s.Timestamp}
	switch b := s.Body.(type) {
	case Thought:
		w.Content = b.Content
	case Call:
		w.Content = b.Description
		w.ToolName = b.ToolName
		w.Args = b.Args
		w.ExecutionProfile = b.ExecutionProfile
	case Result:
		w.Content = b.Content
		w.CallID = b.CallID
	case Failure:
		w.Content = b.Content
		w.CallID = b.CallID
	default:
		return nil, fmt.Errorf("marshal step %s: no body", s.ID)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a "type"-tagged object.
func (s *Step) UnmarshalJSON(data []byte) error {
	var w wireStep
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := w.body()
	if err != nil {
		return err
	}
	*s = Step{ID: w.ID, Timestamp: w.Timestamp, Body: body}
	return nil
}

func (w wireStep) body() (Body, error) {
	switch w.Type {
	case KindThought:
		return Thought{Content: w.Content}, nil
	case KindCall:
		return Call{ToolName: w.ToolName, Args: w.Args, Description: w.Content, ExecutionProfile: w.ExecutionProfile}, nil
	case KindResult:
		return Result{CallID: w.CallID, Content: w.Content}, nil
	case KindError:
		return Failure{CallID: w.CallID, Content: w.Content}, nil
	}
	return nil, fmt.Errorf("%w: unknown step type %q", ErrInvalidPlan, w.Type)
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return maps.Clone(args)
}
