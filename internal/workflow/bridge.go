// Package workflow adapts workflow engine callbacks into task queue events.
package workflow

import (
	"time"

	"github.com/antoniostano/genflow/internal/queue"
)

// Callbacks is the hook surface a workflow engine drives while executing a
// run. Implementations must treat every argument as a snapshot; the engine
// reuses its own structures after each call.
type Callbacks interface {
	OnWorkflowStarted(runID string)
	OnWorkflowFinished(runID string, outputs map[string]any, runErr error)
	OnNodeStarted(node queue.NodeInfo)
	OnNodeFinished(node queue.NodeInfo, nodeErr error)
	OnIterationStart(iter queue.IterationInfo)
	OnIterationNext(iter queue.IterationInfo)
	OnIterationCompleted(iter queue.IterationInfo)
	OnTextChunk(text string)
}

// Publisher is the slice of the task queue the bridge publishes into.
type Publisher interface {
	Publish(evt queue.Event)
}

// EventBridge forwards engine callbacks to a task queue as plain-value
// events tagged with the workflow run ID.
type EventBridge struct {
	runID string
	pub   Publisher
}

func NewEventBridge(runID string, pub Publisher) *EventBridge {
	return &EventBridge{runID: runID, pub: pub}
}

var _ Callbacks = (*EventBridge)(nil)

func (b *EventBridge) OnWorkflowStarted(runID string) {
	b.pub.Publish(queue.Event{
		Kind:          queue.EventWorkflowStarted,
		WorkflowRunID: runID,
		At:            time.Now().UTC(),
	})
}

func (b *EventBridge) OnWorkflowFinished(runID string, outputs map[string]any, runErr error) {
	evt := queue.Event{
		Kind:          queue.EventWorkflowSucceeded,
		WorkflowRunID: runID,
		Outputs:       outputs,
		At:            time.Now().UTC(),
	}
	if runErr != nil {
		evt.Kind = queue.EventWorkflowFailed
		evt.Outputs = nil
		evt.Err = &queue.ErrorInfo{
			Code:    "workflow_failed",
			Status:  500,
			Message: runErr.Error(),
		}
	}
	b.pub.Publish(evt)
}

func (b *EventBridge) OnNodeStarted(node queue.NodeInfo) {
	b.pub.Publish(queue.Event{
		Kind:          queue.EventNodeStarted,
		WorkflowRunID: b.runID,
		Node:          &node,
		At:            time.Now().UTC(),
	})
}

func (b *EventBridge) OnNodeFinished(node queue.NodeInfo, nodeErr error) {
	evt := queue.Event{
		Kind:          queue.EventNodeSucceeded,
		WorkflowRunID: b.runID,
		Node:          &node,
		At:            time.Now().UTC(),
	}
	if nodeErr != nil {
		evt.Kind = queue.EventNodeFailed
		evt.Err = &queue.ErrorInfo{
			Code:    "node_failed",
			Status:  500,
			Message: nodeErr.Error(),
		}
	}
	b.pub.Publish(evt)
}

func (b *EventBridge) OnIterationStart(iter queue.IterationInfo) {
	b.publishIteration(queue.EventIterationStart, iter)
}

func (b *EventBridge) OnIterationNext(iter queue.IterationInfo) {
	b.publishIteration(queue.EventIterationNext, iter)
}

func (b *EventBridge) OnIterationCompleted(iter queue.IterationInfo) {
	b.publishIteration(queue.EventIterationCompleted, iter)
}

func (b *EventBridge) publishIteration(kind queue.EventKind, iter queue.IterationInfo) {
	b.pub.Publish(queue.Event{
		Kind:          kind,
		WorkflowRunID: b.runID,
		Iteration:     &iter,
		At:            time.Now().UTC(),
	})
}

func (b *EventBridge) OnTextChunk(text string) {
	b.pub.Publish(queue.Event{
		Kind:          queue.EventTextChunk,
		WorkflowRunID: b.runID,
		Text:          text,
		At:            time.Now().UTC(),
	})
}
