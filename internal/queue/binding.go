package queue

import (
	"context"
	"log/slog"

	"github.com/antoniostano/genflow/internal/flags"
)

// Binding is the scoped queue handed to workers and the task pipeline.
type Binding interface {
	Task() Task
	Publish(evt Event)
	Listen(ctx context.Context) <-chan Event
	StopListen()
}

// BindingRef names the entity a task's results are persisted against.
type BindingRef struct {
	ConversationID string
	MessageID      string
	WorkflowRunID  string
}

// MessageBinding scopes a queue to a conversation message.
type MessageBinding struct {
	*Manager
	ConversationID string
	MessageID      string
}

// WorkflowBinding scopes a queue to a workflow run.
type WorkflowBinding struct {
	*Manager
	WorkflowRunID string
}

// NewMessageManager wires a message-scoped queue: it records the task owner
// for stop authorization and carries the conversation/message identifiers the
// pipeline persists against.
func NewMessageManager(ctx context.Context, task Task, conversationID, messageID string, store flags.Store, logger *slog.Logger, opts Options) (*MessageBinding, error) {
	if err := recordOwner(ctx, store, task); err != nil {
		return nil, err
	}
	return &MessageBinding{
		Manager:        newManager(task, store, logger, opts),
		ConversationID: conversationID,
		MessageID:      messageID,
	}, nil
}

// NewWorkflowManager wires a workflow-scoped queue.
func NewWorkflowManager(ctx context.Context, task Task, workflowRunID string, store flags.Store, logger *slog.Logger, opts Options) (*WorkflowBinding, error) {
	if err := recordOwner(ctx, store, task); err != nil {
		return nil, err
	}
	return &WorkflowBinding{
		Manager:       newManager(task, store, logger, opts),
		WorkflowRunID: workflowRunID,
	}, nil
}

// NewBinding selects the binding for the task's app mode. Each task owns
// exactly one binding for its lifetime.
func NewBinding(ctx context.Context, task Task, ref BindingRef, store flags.Store, logger *slog.Logger, opts Options) (Binding, error) {
	if task.AppMode == AppModeWorkflow {
		return NewWorkflowManager(ctx, task, ref.WorkflowRunID, store, logger, opts)
	}
	return NewMessageManager(ctx, task, ref.ConversationID, ref.MessageID, store, logger, opts)
}

func recordOwner(ctx context.Context, store flags.Store, task Task) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, ownerKey(task.ID), ActorKey(task.InvokeFrom, task.UserID), ownerTTL)
}
