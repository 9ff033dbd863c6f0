package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaInvoker runs inference against a local or remote Ollama daemon.
type OllamaInvoker struct {
	client *api.Client
}

// NewOllamaInvoker connects to the daemon at baseURL. An empty URL falls
// back to the OLLAMA_HOST environment convention.
func NewOllamaInvoker(baseURL string) (*OllamaInvoker, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		client, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client from environment: %w", err)
		}
		return &OllamaInvoker{client: client}, nil
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", baseURL, err)
	}
	return &OllamaInvoker{client: api.NewClient(u, http.DefaultClient)}, nil
}

func (o *OllamaInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	resp, err := withRetry(ctx, func() (Response, error) {
		return o.chat(ctx, req, false, nil)
	})
	if err != nil {
		return resp, classifyOllamaError(err)
	}
	return resp, nil
}

func (o *OllamaInvoker) InvokeStream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	resp, err := o.chat(ctx, req, true, onDelta)
	if err != nil {
		return resp, classifyOllamaError(err)
	}
	return resp, nil
}

func (o *OllamaInvoker) chat(ctx context.Context, req Request, stream bool, onDelta DeltaHandler) (Response, error) {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}

	options := map[string]any{}
	if req.Params.Temperature > 0 {
		options["temperature"] = req.Params.Temperature
	}
	if req.Params.TopP > 0 {
		options["top_p"] = req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		options["num_predict"] = req.Params.MaxTokens
	}

	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	var out strings.Builder
	var usage Usage
	err := o.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			out.WriteString(resp.Message.Content)
			if onDelta != nil {
				if err := onDelta(resp.Message.Content); err != nil {
					return err
				}
			}
		}
		if resp.Done {
			usage = Usage{
				PromptTokens:     resp.Metrics.PromptEvalCount,
				CompletionTokens: resp.Metrics.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return Response{Text: out.String()}, err
	}
	return Response{Text: out.String(), Usage: usage}, nil
}

// classifyOllamaError maps daemon HTTP failures onto the package sentinels.
// Context cancellation passes through untouched so callers can distinguish
// a stopped task from a broken backend.
func classifyOllamaError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuth, err)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrQuota, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrModelUnsupported, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrInvoke, err)
}
