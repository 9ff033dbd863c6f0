package queue

import "time"

type EventKind string

const (
	EventTextChunk          EventKind = "text_chunk"
	EventLLMChunk           EventKind = "llm_chunk"
	EventAgentMessageChunk  EventKind = "agent_message_chunk"
	EventMessageReplace     EventKind = "message_replace"
	EventMessageEnd         EventKind = "message_end"
	EventWorkflowStarted    EventKind = "workflow_started"
	EventWorkflowSucceeded  EventKind = "workflow_succeeded"
	EventWorkflowFailed     EventKind = "workflow_failed"
	EventNodeStarted        EventKind = "node_started"
	EventNodeSucceeded      EventKind = "node_succeeded"
	EventNodeFailed         EventKind = "node_failed"
	EventIterationStart     EventKind = "iteration_start"
	EventIterationNext      EventKind = "iteration_next"
	EventIterationCompleted EventKind = "iteration_completed"
	EventRetrieverResources EventKind = "retriever_resources"
	EventAnnotationReply    EventKind = "annotation_reply"
	EventAgentThought       EventKind = "agent_thought"
	EventMessageFile        EventKind = "message_file"
	EventError              EventKind = "error"
	EventPing               EventKind = "ping"
	EventStop               EventKind = "stop"
)

type StopReason string

const (
	StopReasonUserManual       StopReason = "user-manual"
	StopReasonAnnotationReply  StopReason = "annotation-reply"
	StopReasonOutputModeration StopReason = "output-moderation"
	StopReasonInputModeration  StopReason = "input-moderation"
)

// Usage is the token accounting attached to terminal events.
type Usage struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	LatencyMS        int64 `json:"latency_ms,omitempty"`
}

// RetrieverResource describes one retrieved knowledge segment.
type RetrieverResource struct {
	Position   int     `json:"position"`
	DatasetID  string  `json:"dataset_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	Score      float64 `json:"score,omitempty"`
}

// AgentThought is one reasoning/tool step parsed out of an agent response.
type AgentThought struct {
	ID          string `json:"id"`
	Position    int    `json:"position"`
	Thought     string `json:"thought,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// MessageFile is a file attached to the generated message.
type MessageFile struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	URL       string `json:"url"`
	BelongsTo string `json:"belongs_to,omitempty"`
}

// NodeInfo carries the plain-data snapshot of one workflow node execution.
type NodeInfo struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Title       string         `json:"title"`
	Index       int            `json:"index"`
	Status      string         `json:"status,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	Error       string         `json:"error,omitempty"`
	ElapsedMS   int64          `json:"elapsed_ms,omitempty"`
}

// IterationInfo describes an iteration node's progress.
type IterationInfo struct {
	NodeID  string         `json:"node_id"`
	Index   int            `json:"index"`
	Total   int            `json:"total,omitempty"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// ErrorInfo is the stable external error shape.
type ErrorInfo struct {
	Code    string `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// Event is the tagged value flowing through a task queue. Payloads are plain
// data only: publishing anything holding a live request-scoped handle (DB
// session, open file) across the worker/consumer boundary is forbidden, and
// the struct is shaped so that is impossible by construction.
type Event struct {
	Kind EventKind `json:"kind"`

	Text          string              `json:"text,omitempty"`
	Usage         *Usage              `json:"usage,omitempty"`
	Resources     []RetrieverResource `json:"resources,omitempty"`
	AnnotationID  string              `json:"annotation_id,omitempty"`
	Thought       *AgentThought       `json:"thought,omitempty"`
	File          *MessageFile        `json:"file,omitempty"`
	WorkflowRunID string              `json:"workflow_run_id,omitempty"`
	Node          *NodeInfo           `json:"node,omitempty"`
	Iteration     *IterationInfo      `json:"iteration,omitempty"`
	Outputs       map[string]any      `json:"outputs,omitempty"`
	Err           *ErrorInfo          `json:"error,omitempty"`
	StopReason    StopReason          `json:"stop_reason,omitempty"`
	At            time.Time           `json:"at"`
}

// Terminal reports whether delivering this event ends a listen session.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventMessageEnd, EventWorkflowSucceeded, EventWorkflowFailed, EventStop, EventError:
		return true
	default:
		return false
	}
}
