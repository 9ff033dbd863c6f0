// Package pipeline consumes a task's event queue and turns it into either
// one aggregate blocking response or a stream of protocol chunks, persisting
// what happened along the way.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/genflow/internal/moderation"
	"github.com/antoniostano/genflow/internal/observability"
	"github.com/antoniostano/genflow/internal/queue"
	"github.com/antoniostano/genflow/internal/records"
)

const persistTimeout = 5 * time.Second

// Error is the stable failure surface re-raised by blocking runs.
type Error struct {
	Info queue.ErrorInfo
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Info.Code, e.Info.Status, e.Info.Message)
}

// TaskState accumulates what the event stream said about the task.
type TaskState struct {
	Answer     string
	Thoughts   []queue.AgentThought
	Resources  []queue.RetrieverResource
	Files      []queue.MessageFile
	Outputs    map[string]any
	Usage      *queue.Usage
	Metadata   map[string]any
	StopReason queue.StopReason
	Err        *queue.ErrorInfo
}

// BlockingResponse is the aggregate snapshot returned when streaming is off.
type BlockingResponse struct {
	TaskID         string         `json:"task_id"`
	ID             string         `json:"id"`
	MessageID      string         `json:"message_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	WorkflowRunID  string         `json:"workflow_run_id,omitempty"`
	Mode           string         `json:"mode"`
	Answer         string         `json:"answer,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// StreamChunk is one protocol frame of the streaming response. Event carries
// the queue event kind; the remaining fields are populated per kind.
type StreamChunk struct {
	Event          string                    `json:"event"`
	TaskID         string                    `json:"task_id"`
	MessageID      string                    `json:"message_id,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	WorkflowRunID  string                    `json:"workflow_run_id,omitempty"`
	Answer         string                    `json:"answer,omitempty"`
	Thought        *queue.AgentThought       `json:"agent_thought,omitempty"`
	File           *queue.MessageFile        `json:"file,omitempty"`
	Resources      []queue.RetrieverResource `json:"retriever_resources,omitempty"`
	Node           *queue.NodeInfo           `json:"node,omitempty"`
	Iteration      *queue.IterationInfo      `json:"iteration,omitempty"`
	Outputs        map[string]any            `json:"outputs,omitempty"`
	Usage          *queue.Usage              `json:"usage,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
	StopReason     queue.StopReason          `json:"stop_reason,omitempty"`
	Err            *queue.ErrorInfo          `json:"error,omitempty"`
	CreatedAt      int64                     `json:"created_at"`
}

// Pipeline drives one listen session. It is the queue's only consumer.
type Pipeline struct {
	binding queue.Binding
	ref     queue.BindingRef
	query   string
	store   records.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	startedAt  time.Time
	firstChunk bool
}

func New(binding queue.Binding, ref queue.BindingRef, query string, store records.Store, metrics *observability.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		binding: binding,
		ref:     ref,
		query:   query,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// RunBlocking drains the queue and returns one aggregate response. A
// terminal Error event is re-raised as *Error.
func (p *Pipeline) RunBlocking(ctx context.Context) (*BlockingResponse, error) {
	state := p.begin()
	defer p.taskDone()

	for evt := range p.binding.Listen(ctx) {
		p.apply(evt, state)
	}
	p.finalize(state)

	if state.Err != nil {
		return nil, &Error{Info: *state.Err}
	}

	task := p.binding.Task()
	resp := &BlockingResponse{
		TaskID:         task.ID,
		Mode:           string(task.AppMode),
		Answer:         state.Answer,
		Outputs:        state.Outputs,
		Metadata:       state.Metadata,
		CreatedAt:      task.CreatedAt.Unix(),
		ConversationID: p.ref.ConversationID,
		MessageID:      p.ref.MessageID,
		WorkflowRunID:  p.ref.WorkflowRunID,
	}
	if task.AppMode == queue.AppModeWorkflow {
		resp.ID = p.ref.WorkflowRunID
	} else {
		resp.ID = p.ref.MessageID
	}
	return resp, nil
}

// RunStream consumes the queue in its own goroutine and yields protocol
// chunks. The returned channel closes after the terminal chunk.
func (p *Pipeline) RunStream(ctx context.Context) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)
	state := p.begin()

	go func() {
		defer close(out)
		defer p.taskDone()

		for evt := range p.binding.Listen(ctx) {
			p.apply(evt, state)
			select {
			case out <- p.chunkFor(evt, state):
			case <-ctx.Done():
				p.finalize(state)
				return
			}
		}
		p.finalize(state)
	}()
	return out
}

// begin creates the initial persistence records and the audit trail entry.
func (p *Pipeline) begin() *TaskState {
	p.startedAt = time.Now()
	if p.metrics != nil {
		p.metrics.ActiveTasks.Inc()
	}
	task := p.binding.Task()

	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if p.store != nil {
		now := time.Now().UTC()
		var err error
		if task.AppMode == queue.AppModeWorkflow {
			err = p.store.CreateWorkflowRun(pctx, records.WorkflowRun{
				ID:        p.ref.WorkflowRunID,
				TaskID:    task.ID,
				Status:    records.RunStatusRunning,
				CreatedAt: now,
			})
		} else {
			err = p.store.CreateMessage(pctx, records.Message{
				ID:             p.ref.MessageID,
				TaskID:         task.ID,
				ConversationID: p.ref.ConversationID,
				Query:          p.query,
				Status:         records.MessageStatusNormal,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err != nil {
			p.logger.Error("create task record failed", "task_id", task.ID, "error", err)
		}

		// console debugging runs stay out of the audit trail
		if task.InvokeFrom != queue.InvokeFromDebugger {
			err = p.store.CreateAuditLog(pctx, records.AuditLog{
				ID:        uuid.NewString(),
				TaskID:    task.ID,
				ActorKey:  queue.ActorKey(task.InvokeFrom, task.UserID),
				Action:    "generate",
				Detail:    auditDetail(task.AppMode, p.query),
				CreatedAt: now,
			})
			if err != nil {
				p.logger.Error("create audit log failed", "task_id", task.ID, "error", err)
			}
		}
	}

	return &TaskState{Metadata: map[string]any{}}
}

const auditDetailLimit = 200

// auditDetail records the app mode plus a redacted query snippet. Audit rows
// outlive conversations, so PII never lands in them verbatim.
func auditDetail(mode queue.AppMode, query string) string {
	if query == "" {
		return string(mode)
	}
	snippet, _ := moderation.RedactPII(query)
	if len(snippet) > auditDetailLimit {
		snippet = snippet[:auditDetailLimit]
	}
	return string(mode) + ": " + snippet
}

func (p *Pipeline) taskDone() {
	if p.metrics == nil {
		return
	}
	p.metrics.ActiveTasks.Dec()
	p.metrics.Stages.Observe(observability.StageTaskTotal,
		float64(time.Since(p.startedAt).Milliseconds()))
}

func (p *Pipeline) apply(evt queue.Event, state *TaskState) {
	if p.metrics != nil {
		p.metrics.QueueEvents.WithLabelValues(string(evt.Kind)).Inc()
	}

	switch evt.Kind {
	case queue.EventTextChunk, queue.EventLLMChunk, queue.EventAgentMessageChunk:
		state.Answer += evt.Text
		if !p.firstChunk {
			p.firstChunk = true
			if p.metrics != nil {
				p.metrics.ObserveFirstChunkLatency(time.Since(p.startedAt))
			}
		}
	case queue.EventMessageReplace:
		state.Answer = evt.Text
		if p.metrics != nil {
			p.metrics.ModerationChecks.WithLabelValues("output", "replace").Inc()
		}
	case queue.EventAgentThought:
		if evt.Thought != nil {
			state.Thoughts = append(state.Thoughts, *evt.Thought)
			if len(state.Thoughts) == 1 && p.metrics != nil {
				p.metrics.Stages.Observe(observability.StageFirstThought,
					float64(time.Since(p.startedAt).Milliseconds()))
			}
		}
	case queue.EventRetrieverResources:
		state.Resources = append(state.Resources, evt.Resources...)
		state.Metadata["retriever_resources"] = state.Resources
	case queue.EventMessageFile:
		if evt.File != nil {
			state.Files = append(state.Files, *evt.File)
		}
	case queue.EventAnnotationReply:
		state.Metadata["annotation_id"] = evt.AnnotationID
	case queue.EventMessageEnd:
		state.Usage = evt.Usage
		if evt.Usage != nil {
			state.Metadata["usage"] = evt.Usage
		}
	case queue.EventStop:
		state.StopReason = evt.StopReason
		if p.metrics != nil {
			switch evt.StopReason {
			case queue.StopReasonInputModeration:
				p.metrics.ModerationChecks.WithLabelValues("input", "direct_output").Inc()
			case queue.StopReasonOutputModeration:
				p.metrics.ModerationChecks.WithLabelValues("output", "direct_output").Inc()
			}
		}
	case queue.EventError:
		state.Err = evt.Err
		if p.metrics != nil && evt.Err != nil {
			p.metrics.ProviderErrors.WithLabelValues(evt.Err.Code).Inc()
		}
	case queue.EventWorkflowStarted:
		// run record already created in begin
	case queue.EventWorkflowSucceeded, queue.EventWorkflowFailed:
		state.Outputs = evt.Outputs
		if evt.Err != nil {
			state.Err = evt.Err
		}
		p.persistWorkflowEnd(evt)
	case queue.EventNodeStarted, queue.EventNodeSucceeded, queue.EventNodeFailed:
		p.persistNode(evt)
	case queue.EventIterationStart, queue.EventIterationNext, queue.EventIterationCompleted:
		// progress only, nothing to persist
	case queue.EventPing:
		// keepalive passthrough
	}
}

func (p *Pipeline) persistNode(evt queue.Event) {
	if p.store == nil || evt.Node == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	node := *evt.Node
	exec := records.NodeExecution{
		ID:        node.ExecutionID,
		RunID:     p.ref.WorkflowRunID,
		NodeID:    node.NodeID,
		NodeType:  node.NodeType,
		Title:     node.Title,
		Index:     node.Index,
		Inputs:    node.Inputs,
		Outputs:   node.Outputs,
		Error:     node.Error,
		ElapsedMS: node.ElapsedMS,
		CreatedAt: time.Now().UTC(),
	}

	var err error
	switch evt.Kind {
	case queue.EventNodeStarted:
		exec.Status = records.RunStatusRunning
		err = p.store.CreateNodeExecution(pctx, exec)
	case queue.EventNodeSucceeded:
		exec.Status = records.RunStatusSucceeded
		err = p.store.UpdateNodeExecution(pctx, exec)
	case queue.EventNodeFailed:
		exec.Status = records.RunStatusFailed
		if evt.Err != nil && exec.Error == "" {
			exec.Error = evt.Err.Message
		}
		err = p.store.UpdateNodeExecution(pctx, exec)
	}
	if err != nil {
		p.logger.Error("persist node execution failed",
			"task_id", p.binding.Task().ID, "node_id", node.NodeID, "error", err)
	}
}

func (p *Pipeline) persistWorkflowEnd(evt queue.Event) {
	if p.store == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	run := records.WorkflowRun{
		ID:         p.ref.WorkflowRunID,
		TaskID:     p.binding.Task().ID,
		Status:     records.RunStatusSucceeded,
		Outputs:    evt.Outputs,
		ElapsedMS:  time.Since(p.startedAt).Milliseconds(),
		CreatedAt:  p.startedAt.UTC(),
		FinishedAt: &now,
	}
	if evt.Kind == queue.EventWorkflowFailed {
		run.Status = records.RunStatusFailed
		if evt.Err != nil {
			run.Error = evt.Err.Message
		}
	}
	if err := p.store.UpdateWorkflowRun(pctx, run); err != nil {
		p.logger.Error("persist workflow run failed",
			"task_id", p.binding.Task().ID, "run_id", run.ID, "error", err)
	}
}

// finalize writes the terminal state of the message record. Workflow runs
// were already updated by their terminal event.
func (p *Pipeline) finalize(state *TaskState) {
	task := p.binding.Task()
	if p.store == nil || task.AppMode == queue.AppModeWorkflow {
		return
	}

	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := time.Now().UTC()
	msg := records.Message{
		ID:             p.ref.MessageID,
		TaskID:         task.ID,
		ConversationID: p.ref.ConversationID,
		Query:          p.query,
		Answer:         state.Answer,
		Status:         records.MessageStatusNormal,
		Metadata:       state.Metadata,
		CreatedAt:      p.startedAt.UTC(),
		UpdatedAt:      now,
	}
	if state.Usage != nil {
		msg.PromptTokens = state.Usage.PromptTokens
		msg.CompletionTokens = state.Usage.CompletionTokens
	}
	if state.StopReason != "" {
		msg.Status = records.MessageStatusStopped
	}
	if state.Err != nil {
		msg.Status = records.MessageStatusError
		msg.Error = state.Err.Message
	}

	if err := p.store.UpdateMessage(pctx, msg); err != nil {
		p.logger.Error("persist message failed",
			"task_id", task.ID, "message_id", msg.ID, "error", err)
	}
}

func (p *Pipeline) chunkFor(evt queue.Event, state *TaskState) StreamChunk {
	task := p.binding.Task()
	chunk := StreamChunk{
		Event:          string(evt.Kind),
		TaskID:         task.ID,
		MessageID:      p.ref.MessageID,
		ConversationID: p.ref.ConversationID,
		WorkflowRunID:  p.ref.WorkflowRunID,
		CreatedAt:      evt.At.Unix(),
	}

	switch evt.Kind {
	case queue.EventTextChunk, queue.EventLLMChunk, queue.EventAgentMessageChunk, queue.EventMessageReplace:
		chunk.Answer = evt.Text
	case queue.EventAgentThought:
		chunk.Thought = evt.Thought
	case queue.EventMessageFile:
		chunk.File = evt.File
	case queue.EventRetrieverResources:
		chunk.Resources = evt.Resources
	case queue.EventMessageEnd:
		// Terminal chunk carries everything aggregated over the session.
		chunk.Answer = state.Answer
		chunk.Usage = evt.Usage
		chunk.Metadata = state.Metadata
	case queue.EventWorkflowSucceeded, queue.EventWorkflowFailed:
		chunk.Outputs = evt.Outputs
		chunk.Err = evt.Err
		chunk.Metadata = state.Metadata
	case queue.EventNodeStarted, queue.EventNodeSucceeded, queue.EventNodeFailed:
		chunk.Node = evt.Node
		chunk.Err = evt.Err
	case queue.EventIterationStart, queue.EventIterationNext, queue.EventIterationCompleted:
		chunk.Iteration = evt.Iteration
	case queue.EventStop:
		chunk.StopReason = evt.StopReason
	case queue.EventError:
		chunk.Err = evt.Err
	}
	return chunk
}
