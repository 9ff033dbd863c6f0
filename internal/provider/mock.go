package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockInvoker provides deterministic local replies when no model backend is
// available. Tests script it through Deltas and Err.
type MockInvoker struct {
	// Deltas, when set, is streamed verbatim instead of the echo reply.
	Deltas []string
	// Err, when set, fails every invocation.
	Err error
}

func NewMockInvoker() *MockInvoker { return &MockInvoker{} }

func (m *MockInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	return m.InvokeStream(ctx, req, nil)
}

func (m *MockInvoker) InvokeStream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	if m.Err != nil {
		return Response{}, m.Err
	}

	deltas := m.Deltas
	if len(deltas) == 0 {
		deltas = []string{buildMockReply(req)}
	}

	var out strings.Builder
	for _, d := range deltas {
		select {
		case <-ctx.Done():
			return Response{Text: out.String()}, ctx.Err()
		default:
		}
		out.WriteString(d)
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return Response{Text: out.String()}, err
			}
		}
	}

	text := out.String()
	return Response{
		Text: text,
		Usage: Usage{
			PromptTokens:     promptChars(req) / 4,
			CompletionTokens: len(text) / 4,
		},
	}, nil
}

func buildMockReply(req Request) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return "I am listening."
	}
	return fmt.Sprintf("You said: %s", last)
}

func promptChars(req Request) int {
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	return total
}
