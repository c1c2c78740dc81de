// ABOUTME: Live reasoner backed by an Ollama server's /api/generate endpoint.
// ABOUTME: Plans request JSON output; deployment logs stream as NDJSON and are re-emitted as chunks.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/capability"
	"github.com/2389/opdbus-orchestrator/internal/logstream"
	"github.com/2389/opdbus-orchestrator/internal/plan"
)

// OllamaConfig configures an Ollama provider.
type OllamaConfig struct {
	// ID is the provider id; defaults to Model.
	ID string
	// BaseURL of the Ollama API (default: http://127.0.0.1:11434).
	BaseURL string
	Model   string
	// Timeout for non-streaming requests (default: 60s). Streams are bounded by ctx only.
	Timeout time.Duration
}

// Ollama talks to a local or remote Ollama server.
type Ollama struct {
	id         string
	baseURL    string
	model      string
	httpClient *http.Client
	streamHTTP *http.Client
	logger     *slog.Logger
}

// NewOllama creates an Ollama provider. Pass nil logger for default.
func NewOllama(cfg OllamaConfig, logger *slog.Logger) *Ollama {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Model
	}
	return &Ollama{
		id:         cfg.ID,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		streamHTTP: &http.Client{},
		logger:     logger.With("component", "ollama", "provider", cfg.ID),
	}
}

func (o *Ollama) ID() string { return o.id }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options *generateOption `json:"options,omitempty"`
}

type generateOption struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// GeneratePlan asks for a JSON plan. Output that does not decode into steps
// yields the degenerate plan.Failed() plan rather than an error.
func (o *Ollama) GeneratePlan(ctx context.Context, task string, tools []capability.Tool, sysContext string) ([]plan.Step, error) {
	out, err := o.generate(ctx, PlanPrompt(task, tools, sysContext), "json")
	if err != nil {
		return nil, err
	}
	steps, err := plan.DecodeSteps([]byte(out))
	if err != nil {
		o.logger.Warn("plan output did not decode", "error", err, "bytes", len(out))
		return plan.Failed(), nil
	}
	return steps, nil
}

// GenerateText returns free-form text for the prompt.
func (o *Ollama) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := o.generate(ctx, prompt, "")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "No response generated.", nil
	}
	return out, nil
}

// ExecuteTool asks the model to simulate the tool and returns its JSON.
func (o *Ollama) ExecuteTool(ctx context.Context, toolName string, args map[string]any, sysContext string) (string, error) {
	out, err := o.generate(ctx, ToolPrompt(toolName, args, sysContext), "json")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "{}", nil
	}
	return out, nil
}

// StreamLog streams a generated installation log.
func (o *Ollama) StreamLog(ctx context.Context, cfg DeployConfig) iter.Seq[string] {
	prompt := DeployPrompt(cfg.WithDefaults())
	return logstream.FromProducer(func(emit func(string) bool) error {
		resp, err := o.post(ctx, o.streamHTTP, generateRequest{Model: o.model, Prompt: prompt, Stream: true})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		reader := bufio.NewReader(resp.Body)
		for {
			line, readErr := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				var chunk generateResponse
				if err := json.Unmarshal(line, &chunk); err != nil {
					return NewError(o.id, "malformed stream chunk", err)
				}
				if chunk.Error != "" {
					return NewError(o.id, chunk.Error, nil)
				}
				if chunk.Response != "" && !emit(chunk.Response) {
					return nil
				}
				if chunk.Done {
					return nil
				}
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					return nil
				}
				return NewError(o.id, "reading stream", readErr)
			}
		}
	})
}

func (o *Ollama) generate(ctx context.Context, prompt, format string) (string, error) {
	req := generateRequest{Model: o.model, Prompt: prompt, Format: format}
	if p, ok := ProfileFromContext(ctx); ok {
		req.Options = &generateOption{Temperature: p.Temperature}
	}

	resp, err := o.post(ctx, o.httpClient, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", NewError(o.id, "failed to decode response", err)
	}
	if result.Error != "" {
		return "", NewError(o.id, result.Error, nil)
	}
	return result.Response, nil
}

// post sends a generate request and checks the status code. The caller
// closes the body on success.
func (o *Ollama) post(ctx context.Context, client *http.Client, body generateRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, NewError(o.id, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return nil, NewError(o.id, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(o.id, "request timed out", err)
		}
		return nil, NewError(o.id, "ollama is not reachable", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, NewError(o.id, apiErr.Error, nil)
		}
		return nil, NewError(o.id, fmt.Sprintf("generate request failed: %s", resp.Status), nil)
	}
	return resp, nil
}
