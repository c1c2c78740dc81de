// ABOUTME: Deterministic offline provider used as the default backend and in tests.
// ABOUTME: Plans pick a tool by keyword match so the same task always yields the same plan.

package provider

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"
	"unicode"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/logstream"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// MockFallbackTool is called when no tool is available.
const MockFallbackTool = "MockTool"

// Mock is a provider that never leaves the process.
type Mock struct {
	id          string
	streamDelay time.Duration
}

// MockOption configures a Mock.
type MockOption func(*Mock)

// WithStreamDelay sets the pause before each deployment log chunk.
func WithStreamDelay(d time.Duration) MockOption {
	return func(m *Mock) { m.streamDelay = d }
}

// NewMock creates a mock provider.
func NewMock(id string, opts ...MockOption) *Mock {
	m := &Mock{id: id, streamDelay: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) ID() string { return m.id }

// GeneratePlan returns a thought followed by a single call. The call targets
// the first tool whose name mentions a word of the task, else the first
// tool, else MockFallbackTool.
func (m *Mock) GeneratePlan(ctx context.Context, task string, tools []capability.Tool, sysContext string) ([]plan.Step, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewError(m.id, "plan generation cancelled", err)
	}

	thought := plan.NewThought("[" + m.id + "] Simulating plan with context: " + truncate(sysContext, 20) + "...")

	toolName, profile := MockFallbackTool, "Reasoning"
	if tool, ok := pickTool(task, tools); ok {
		toolName, profile = tool.Name, tool.Profile
	}
	call := plan.NewCall(toolName, nil, profile).Describe("Mock execution")
	return []plan.Step{thought, call}, nil
}

// GenerateText echoes the prompt head.
func (m *Mock) GenerateText(ctx context.Context, prompt string) (string, error) {
	return "[Mock " + m.id + "] Response to: " + truncate(prompt, 20) + "...", nil
}

// ExecuteTool reports success for any tool name.
func (m *Mock) ExecuteTool(ctx context.Context, toolName string, args map[string]any, sysContext string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewError(m.id, "tool execution cancelled", err)
	}
	out, err := json.Marshal(struct {
		Status   string `json:"status"`
		MockData bool   `json:"mock_data"`
		Tool     string `json:"tool"`
	}{"success", true, toolName})
	if err != nil {
		return "", NewError(m.id, "encoding result", err)
	}
	return string(out), nil
}

// StreamLog yields three canned log lines.
func (m *Mock) StreamLog(ctx context.Context, cfg DeployConfig) iter.Seq[string] {
	return logstream.FromProducer(func(emit func(string) bool) error {
		for _, line := range []string{"Initializing...", "Mocking deployment...", "Done."} {
			if m.streamDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(m.streamDelay):
				}
			} else if err := ctx.Err(); err != nil {
				return err
			}
			if !emit(line + "\n") {
				return nil
			}
		}
		return nil
	})
}

// pickTool returns the first tool whose lowercased name contains a task word
// of four or more letters.
func pickTool(task string, tools []capability.Tool) (capability.Tool, bool) {
	if len(tools) == 0 {
		return capability.Tool{}, false
	}
	words := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, tool := range tools {
		name := strings.ToLower(tool.Name)
		for _, w := range words {
			if len(w) >= 4 && strings.Contains(name, w) {
				return tool, true
			}
		}
	}
	return tools[0], true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
