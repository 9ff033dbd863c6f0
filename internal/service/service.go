// Package service composes the generation stack: it turns an incoming
// request into a task, its queue binding, a running worker and the pipeline
// that consumes the results.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/genflow/internal/config"
	"github.com/antoniostano/genflow/internal/flags"
	"github.com/antoniostano/genflow/internal/moderation"
	"github.com/antoniostano/genflow/internal/observability"
	"github.com/antoniostano/genflow/internal/pipeline"
	"github.com/antoniostano/genflow/internal/provider"
	"github.com/antoniostano/genflow/internal/queue"
	"github.com/antoniostano/genflow/internal/records"
	"github.com/antoniostano/genflow/internal/worker"
	"github.com/antoniostano/genflow/internal/workflow"
)

var ErrValidation = errors.New("invalid generation request")

// GenerateRequest is the normalized request accepted by the service.
type GenerateRequest struct {
	Query          string
	Inputs         map[string]any
	User           string
	ConversationID string
	Mode           queue.AppMode
	InvokeFrom     queue.InvokeFrom
	Model          string
	Stream         bool
	Annotation     *worker.Annotation
}

// Launched describes a task that has started running.
type Launched struct {
	Task     queue.Task
	Ref      queue.BindingRef
	Pipeline *pipeline.Pipeline
}

type Service struct {
	cfg     config.Config
	invoker provider.Invoker
	flags   flags.Store
	store   records.Store
	metrics *observability.Metrics
	logger  *slog.Logger

	inputMod  moderation.Provider
	outputMod moderation.Provider
}

func New(cfg config.Config, invoker provider.Invoker, fl flags.Store, store records.Store, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	var inputMod, outputMod moderation.Provider
	if kws := cfg.ModerationKeywordList(); len(kws) > 0 {
		inputMod = moderation.NewKeywordProvider(kws, cfg.ModerationPreset)
		outputMod = moderation.NewKeywordProvider(kws, cfg.ModerationPreset)
	} else {
		inputMod = moderation.NopProvider{}
		outputMod = moderation.NopProvider{}
	}

	return &Service{
		cfg:       cfg,
		invoker:   invoker,
		flags:     fl,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		inputMod:  inputMod,
		outputMod: outputMod,
	}
}

// Launch validates the request, builds the task and its queue, and starts
// the producing side. The caller drives the returned pipeline.
func (s *Service) Launch(ctx context.Context, req GenerateRequest) (*Launched, error) {
	req.Query = strings.TrimSpace(req.Query)
	req.User = strings.TrimSpace(req.User)
	if req.Query == "" && req.Mode != queue.AppModeWorkflow {
		return nil, errors.Join(ErrValidation, errors.New("query is required"))
	}
	if req.User == "" {
		return nil, errors.Join(ErrValidation, errors.New("user is required"))
	}
	switch req.Mode {
	case queue.AppModeChat, queue.AppModeCompletion, queue.AppModeAgentChat, queue.AppModeWorkflow:
	case "":
		req.Mode = queue.AppModeChat
	default:
		return nil, errors.Join(ErrValidation, errors.New("unknown app mode"))
	}
	switch req.InvokeFrom {
	case queue.InvokeFromDebugger, queue.InvokeFromServiceAPI, queue.InvokeFromWebApp, queue.InvokeFromExplore:
	case "":
		req.InvokeFrom = queue.InvokeFromServiceAPI
	default:
		return nil, errors.Join(ErrValidation, errors.New("unknown invoke origin"))
	}
	if strings.TrimSpace(req.Model) == "" {
		req.Model = s.cfg.DefaultModel
	}

	task := queue.Task{
		ID:         uuid.NewString(),
		UserID:     req.User,
		InvokeFrom: req.InvokeFrom,
		AppMode:    req.Mode,
		CreatedAt:  time.Now().UTC(),
	}
	ref := queue.BindingRef{
		ConversationID: req.ConversationID,
		MessageID:      uuid.NewString(),
		WorkflowRunID:  uuid.NewString(),
	}
	if ref.ConversationID == "" && req.Mode != queue.AppModeWorkflow {
		ref.ConversationID = uuid.NewString()
	}

	binding, err := queue.NewBinding(ctx, task, ref, s.flags, s.logger, queue.Options{
		MaxExecutionTime: s.cfg.MaxExecutionTime,
		PollInterval:     s.cfg.PollInterval,
		PingInterval:     s.cfg.PingInterval,
		MailboxSize:      s.cfg.MailboxSize,
	})
	if err != nil {
		return nil, err
	}

	// The producer outlives the HTTP request; the execution budget is the
	// only hard deadline.
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.MaxExecutionTime)
	if req.Mode == queue.AppModeWorkflow {
		go func() {
			defer cancel()
			s.runWorkflow(runCtx, binding, ref, req)
		}()
	} else {
		w := worker.New(binding, s.invoker, worker.ModerationConfig{
			Input:         s.inputMod,
			Output:        s.outputMod,
			BufferSize:    s.cfg.ModerationBufferSize,
			CheckInterval: s.cfg.ModerationCheckInterval,
		}, s.logger)
		go func() {
			defer cancel()
			w.Run(runCtx, worker.Request{
				Query:      req.Query,
				Inputs:     req.Inputs,
				Model:      req.Model,
				Stream:     req.Stream,
				Annotation: req.Annotation,
			})
		}()
	}

	return &Launched{
		Task:     task,
		Ref:      ref,
		Pipeline: pipeline.New(binding, ref, req.Query, s.store, s.metrics, s.logger),
	}, nil
}

// runWorkflow drives a single-node run through the callback bridge. The
// service has no graph engine; one LLM node covers the degenerate workflow
// shape this deployment supports.
func (s *Service) runWorkflow(ctx context.Context, binding queue.Binding, ref queue.BindingRef, req GenerateRequest) {
	bridge := workflow.NewEventBridge(ref.WorkflowRunID, binding)

	// A panicking invoker must still end the run with a terminal event.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("workflow run panicked",
				"task_id", binding.Task().ID, "workflow_run_id", ref.WorkflowRunID, "panic", r)
			bridge.OnWorkflowFinished(ref.WorkflowRunID, nil, fmt.Errorf("internal error: %v", r))
		}
	}()

	bridge.OnWorkflowStarted(ref.WorkflowRunID)

	execID := uuid.NewString()
	node := queue.NodeInfo{
		ExecutionID: execID,
		NodeID:      "llm",
		NodeType:    "llm",
		Title:       "LLM",
		Index:       0,
		Inputs:      req.Inputs,
	}
	bridge.OnNodeStarted(node)

	started := time.Now()
	resp, err := s.invoker.InvokeStream(ctx, provider.Request{
		Model: req.Model,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: req.Query},
		},
	}, func(delta string) error {
		bridge.OnTextChunk(delta)
		return nil
	})
	node.ElapsedMS = time.Since(started).Milliseconds()

	if err != nil {
		node.Error = err.Error()
		bridge.OnNodeFinished(node, err)
		bridge.OnWorkflowFinished(ref.WorkflowRunID, nil, err)
		return
	}

	node.Outputs = map[string]any{"text": resp.Text}
	bridge.OnNodeFinished(node, nil)
	bridge.OnWorkflowFinished(ref.WorkflowRunID, map[string]any{"answer": resp.Text}, nil)
}

// Stop requests cancellation of a running task on behalf of an actor. The
// queue ignores the flag unless the actor owns the task.
func (s *Service) Stop(ctx context.Context, taskID string, from queue.InvokeFrom, user string) error {
	if strings.TrimSpace(taskID) == "" || strings.TrimSpace(user) == "" {
		return errors.Join(ErrValidation, errors.New("task id and user are required"))
	}
	if err := queue.SetStopFlag(ctx, s.flags, taskID, from, user); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.StopFlags.Inc()
	}
	return nil
}
