// Package provider abstracts model invocation for the generation pipeline.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role tags a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prompt message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling knobs forwarded to the model.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Request is the normalized invocation request.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Params   Params    `json:"params"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the final response after all deltas.
type Response struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// DeltaHandler receives streaming text fragments. Returning an error aborts
// the stream.
type DeltaHandler func(delta string) error

// Invoker bridges the generation worker with a model backend.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
	InvokeStream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls invoker construction.
type Config struct {
	Mode      string
	OllamaURL string
}

// NewInvoker selects a backend by mode. "auto" prefers ollama when a URL is
// configured and falls back to the deterministic mock.
func NewInvoker(cfg Config) (Invoker, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OllamaURL) != "" {
			return NewOllamaInvoker(cfg.OllamaURL)
		}
		return NewMockInvoker(), nil
	case "ollama":
		return NewOllamaInvoker(cfg.OllamaURL)
	case "mock":
		return NewMockInvoker(), nil
	default:
		return nil, fmt.Errorf("unsupported provider mode %q", cfg.Mode)
	}
}

// Invocation failures collapse onto these sentinels so callers can classify
// with errors.Is.
var (
	ErrAuth             = errors.New("provider authentication failed")
	ErrQuota            = errors.New("provider rate limit exceeded")
	ErrModelUnsupported = errors.New("model not available")
	ErrInvoke           = errors.New("provider invocation failed")
)
