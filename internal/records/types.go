// Package records persists what the pipeline produced: messages, workflow
// runs, node executions and audit log entries.
package records

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("record not found")

type MessageStatus string

const (
	MessageStatusNormal  MessageStatus = "normal"
	MessageStatusStopped MessageStatus = "stopped"
	MessageStatusError   MessageStatus = "error"
)

// Message is one generated answer, keyed by message ID.
type Message struct {
	ID               string
	TaskID           string
	ConversationID   string
	Query            string
	Answer           string
	Status           MessageStatus
	Error            string
	PromptTokens     int
	CompletionTokens int
	Metadata         map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusStopped   RunStatus = "stopped"
)

// WorkflowRun tracks one workflow execution.
type WorkflowRun struct {
	ID         string
	TaskID     string
	Status     RunStatus
	Outputs    map[string]any
	Error      string
	ElapsedMS  int64
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// NodeExecution tracks one node inside a workflow run.
type NodeExecution struct {
	ID        string
	RunID     string
	NodeID    string
	NodeType  string
	Title     string
	Index     int
	Status    RunStatus
	Inputs    map[string]any
	Outputs   map[string]any
	Error     string
	ElapsedMS int64
	CreatedAt time.Time
}

// AuditLog records who triggered what against a task.
type AuditLog struct {
	ID        string
	TaskID    string
	ActorKey  string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// Store is the persistence collaborator. The pipeline only creates and
// updates; reads stay out of the hot path and are served elsewhere.
type Store interface {
	CreateMessage(ctx context.Context, msg Message) error
	UpdateMessage(ctx context.Context, msg Message) error
	CreateWorkflowRun(ctx context.Context, run WorkflowRun) error
	UpdateWorkflowRun(ctx context.Context, run WorkflowRun) error
	CreateNodeExecution(ctx context.Context, exec NodeExecution) error
	UpdateNodeExecution(ctx context.Context, exec NodeExecution) error
	CreateAuditLog(ctx context.Context, entry AuditLog) error
	Close() error
}

// NewStore selects postgres when a database URL is configured, otherwise a
// process-local in-memory store.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
