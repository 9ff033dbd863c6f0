// Package worker runs one generation task end to end: prompt assembly,
// model invocation, output parsing and moderation, event publication.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/genflow/internal/cot"
	"github.com/antoniostano/genflow/internal/moderation"
	"github.com/antoniostano/genflow/internal/provider"
	"github.com/antoniostano/genflow/internal/queue"
)

// errModerationStopped aborts the provider stream once the output moderator
// has replaced the answer and stopped the task.
var errModerationStopped = errors.New("output moderation stopped the task")

// Annotation is a curated answer that short-circuits model invocation.
type Annotation struct {
	ID     string
	Answer string
}

// Request carries everything one generation run needs.
type Request struct {
	Query        string
	Inputs       map[string]any
	SystemPrompt string
	Model        string
	Params       provider.Params
	Stream       bool
	Annotation   *Annotation
}

// ModerationConfig tunes the input and output checks for a run.
type ModerationConfig struct {
	Input          moderation.Provider
	Output         moderation.Provider
	BufferSize     int
	CheckInterval  time.Duration
	PresetResponse string
}

// Worker owns the producing side of one task queue.
type Worker struct {
	binding queue.Binding
	invoker provider.Invoker
	mod     ModerationConfig
	logger  *slog.Logger
}

func New(binding queue.Binding, invoker provider.Invoker, mod ModerationConfig, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if mod.Input == nil {
		mod.Input = moderation.NopProvider{}
	}
	if mod.Output == nil {
		mod.Output = moderation.NopProvider{}
	}
	return &Worker{binding: binding, invoker: invoker, mod: mod, logger: logger}
}

// Start launches the run in its own goroutine.
func (w *Worker) Start(ctx context.Context, req Request) {
	go w.Run(ctx, req)
}

// Run executes the task. Every failure mode ends in a terminal event; a
// worker must never die silently while a listener waits.
func (w *Worker) Run(ctx context.Context, req Request) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("generation worker panicked",
				"task_id", w.binding.Task().ID, "panic", r)
			w.binding.Publish(queue.Event{
				Kind: queue.EventError,
				Err: &queue.ErrorInfo{
					Code:    "internal_server_error",
					Status:  500,
					Message: fmt.Sprintf("internal error: %v", r),
				},
			})
		}
	}()

	if w.checkInput(ctx, &req) {
		return
	}
	if req.Annotation != nil {
		w.replyFromAnnotation(req.Annotation)
		return
	}

	if req.Stream {
		w.runStreaming(ctx, req)
		return
	}
	w.runBlocking(ctx, req)
}

// checkInput moderates the user query before any model call. Returns true
// when the task was answered and stopped by the check.
func (w *Worker) checkInput(ctx context.Context, req *Request) bool {
	res, err := w.mod.Input.Check(ctx, req.Query)
	if err != nil {
		w.logger.Warn("input moderation check failed",
			"task_id", w.binding.Task().ID, "error", err)
		return false
	}
	switch res.Outcome {
	case moderation.OutcomeDirectOutput:
		w.binding.Publish(queue.Event{Kind: queue.EventMessageReplace, Text: res.Text})
		w.binding.Publish(queue.Event{Kind: queue.EventStop, StopReason: queue.StopReasonInputModeration})
		return true
	case moderation.OutcomeReplace:
		req.Query = res.Text
	}
	return false
}

func (w *Worker) replyFromAnnotation(ann *Annotation) {
	w.binding.Publish(queue.Event{Kind: queue.EventAnnotationReply, AnnotationID: ann.ID})
	w.binding.Publish(queue.Event{Kind: queue.EventTextChunk, Text: ann.Answer})
	w.binding.Publish(queue.Event{Kind: queue.EventStop, StopReason: queue.StopReasonAnnotationReply})
}

func (w *Worker) runStreaming(ctx context.Context, req Request) {
	mod := moderation.NewOutputModerator(
		w.mod.Output, w.binding, w.logger, w.mod.BufferSize, w.mod.CheckInterval)

	agentMode := w.binding.Task().AppMode == queue.AppModeAgentChat
	var parser *cot.Parser
	if agentMode {
		parser = cot.New()
	}
	position := 0

	onDelta := func(delta string) error {
		if mod.Stopped() {
			return errModerationStopped
		}
		if agentMode {
			w.publishParsed(parser.Feed(delta), mod, &position)
			return nil
		}
		w.binding.Publish(queue.Event{Kind: queue.EventLLMChunk, Text: delta})
		mod.AppendNewToken(delta)
		return nil
	}

	resp, err := w.invoker.InvokeStream(ctx, w.buildProviderRequest(req), onDelta)

	if agentMode {
		w.publishParsed(parser.Finish(), mod, &position)
	}
	mod.MarkFinal()
	if mod.Stopped() {
		// the moderator already published the terminal pair
		return
	}
	if err != nil && !errors.Is(err, errModerationStopped) {
		w.publishError(err)
		return
	}

	w.binding.Publish(queue.Event{
		Kind: queue.EventMessageEnd,
		Usage: &queue.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	})
}

func (w *Worker) runBlocking(ctx context.Context, req Request) {
	resp, err := w.invoker.Invoke(ctx, w.buildProviderRequest(req))
	if err != nil {
		w.publishError(err)
		return
	}

	answer, outcome, modErr := moderation.CheckCompletion(ctx, w.mod.Output, resp.Text)
	if modErr != nil {
		w.logger.Warn("completion moderation check failed",
			"task_id", w.binding.Task().ID, "error", modErr)
		answer = resp.Text
		outcome = moderation.OutcomePass
	}

	switch outcome {
	case moderation.OutcomeDirectOutput:
		w.binding.Publish(queue.Event{Kind: queue.EventMessageReplace, Text: answer})
		w.binding.Publish(queue.Event{Kind: queue.EventStop, StopReason: queue.StopReasonOutputModeration})
		return
	case moderation.OutcomeReplace:
		w.binding.Publish(queue.Event{Kind: queue.EventMessageReplace, Text: answer})
	default:
		w.binding.Publish(queue.Event{Kind: queue.EventLLMChunk, Text: answer})
	}

	w.binding.Publish(queue.Event{
		Kind: queue.EventMessageEnd,
		Usage: &queue.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	})
}

// publishParsed fans parser chunks out as agent events and feeds the visible
// text to the moderator.
func (w *Worker) publishParsed(chunks []cot.Chunk, mod *moderation.OutputModerator, position *int) {
	for _, c := range chunks {
		if c.Action != nil {
			*position++
			w.binding.Publish(queue.Event{
				Kind: queue.EventAgentThought,
				Thought: &queue.AgentThought{
					ID:        uuid.NewString(),
					Position:  *position,
					Tool:      c.Action.Name,
					ToolInput: encodeToolInput(c.Action.Input),
				},
			})
			continue
		}
		if c.Text == "" {
			continue
		}
		w.binding.Publish(queue.Event{Kind: queue.EventAgentMessageChunk, Text: c.Text})
		mod.AppendNewToken(c.Text)
	}
}

func (w *Worker) buildProviderRequest(req Request) provider.Request {
	messages := make([]provider.Message, 0, 2)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, provider.Message{
			Role:    provider.RoleSystem,
			Content: renderTemplate(req.SystemPrompt, req.Inputs),
		})
	}
	messages = append(messages, provider.Message{
		Role:    provider.RoleUser,
		Content: renderTemplate(req.Query, req.Inputs),
	})
	return provider.Request{Model: req.Model, Messages: messages, Params: req.Params}
}

// renderTemplate substitutes {{key}} placeholders from the request inputs.
func renderTemplate(text string, inputs map[string]any) string {
	if len(inputs) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	for k, v := range inputs {
		text = strings.ReplaceAll(text, "{{"+k+"}}", fmt.Sprint(v))
	}
	return text
}

func encodeToolInput(input any) string {
	if s, ok := input.(string); ok {
		return s
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	return string(raw)
}

// publishError converts any invocation failure into the stable external
// error shape. Context cancellation publishes nothing: the listener is
// already gone or the manager converts the stop flag itself.
func (w *Worker) publishError(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.logger.Info("generation cancelled", "task_id", w.binding.Task().ID)
		return
	}
	w.binding.Publish(queue.Event{Kind: queue.EventError, Err: ErrorInfoFor(err)})
}

// ErrorInfoFor maps an error onto the {code, status, message} triple.
func ErrorInfoFor(err error) *queue.ErrorInfo {
	switch {
	case errors.Is(err, provider.ErrAuth):
		return &queue.ErrorInfo{Code: "provider_auth_error", Status: 401, Message: err.Error()}
	case errors.Is(err, provider.ErrQuota):
		return &queue.ErrorInfo{Code: "provider_quota_exceeded", Status: 429, Message: err.Error()}
	case errors.Is(err, provider.ErrModelUnsupported):
		return &queue.ErrorInfo{Code: "model_not_supported", Status: 400, Message: err.Error()}
	case errors.Is(err, provider.ErrInvoke):
		return &queue.ErrorInfo{Code: "completion_request_error", Status: 502, Message: err.Error()}
	default:
		return &queue.ErrorInfo{Code: "internal_server_error", Status: 500, Message: err.Error()}
	}
}
