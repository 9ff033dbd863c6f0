package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/antoniostano/genflow/internal/config"
	"github.com/antoniostano/genflow/internal/flags"
	"github.com/antoniostano/genflow/internal/pipeline"
	"github.com/antoniostano/genflow/internal/provider"
	"github.com/antoniostano/genflow/internal/queue"
	"github.com/antoniostano/genflow/internal/records"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		DefaultModel:            "mock-model",
		MaxExecutionTime:        30 * time.Second,
		PollInterval:            10 * time.Millisecond,
		PingInterval:            10 * time.Second,
		MailboxSize:             64,
		ModerationBufferSize:    300,
		ModerationCheckInterval: 5 * time.Millisecond,
	}
}

func newService(invoker provider.Invoker) (*Service, *records.InMemoryStore, *flags.InMemoryStore) {
	store := records.NewInMemoryStore()
	fl := flags.NewInMemoryStore()
	return New(testConfig(), invoker, fl, store, nil, testLogger()), store, fl
}

func TestLaunchBlockingChat(t *testing.T) {
	svc, store, _ := newService(&provider.MockInvoker{Deltas: []string{"Hello ", "world"}})

	launched, err := svc.Launch(context.Background(), GenerateRequest{
		Query: "say hello",
		User:  "u1",
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if launched.Task.AppMode != queue.AppModeChat {
		t.Fatalf("default app mode = %q, want chat", launched.Task.AppMode)
	}
	if launched.Task.InvokeFrom != queue.InvokeFromServiceAPI {
		t.Fatalf("default invoke origin = %q, want service-api", launched.Task.InvokeFrom)
	}

	resp, err := launched.Pipeline.RunBlocking(context.Background())
	if err != nil {
		t.Fatalf("RunBlocking() error = %v", err)
	}
	if resp.Answer != "Hello world" {
		t.Fatalf("answer = %q, want %q", resp.Answer, "Hello world")
	}

	msg, ok := store.GetMessage(launched.Ref.MessageID)
	if !ok || msg.Answer != "Hello world" {
		t.Fatalf("persisted message = %+v", msg)
	}
}

func TestLaunchWorkflowMode(t *testing.T) {
	svc, store, _ := newService(&provider.MockInvoker{Deltas: []string{"Hello world"}})

	launched, err := svc.Launch(context.Background(), GenerateRequest{
		Query: "run",
		User:  "u1",
		Mode:  queue.AppModeWorkflow,
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	resp, err := launched.Pipeline.RunBlocking(context.Background())
	if err != nil {
		t.Fatalf("RunBlocking() error = %v", err)
	}
	if resp.Outputs["answer"] != "Hello world" {
		t.Fatalf("outputs = %v, want answer", resp.Outputs)
	}
	if resp.ID != launched.Ref.WorkflowRunID {
		t.Fatalf("response id = %q, want workflow run id", resp.ID)
	}

	run, ok := store.GetWorkflowRun(launched.Ref.WorkflowRunID)
	if !ok || run.Status != records.RunStatusSucceeded {
		t.Fatalf("workflow run = %+v, want succeeded", run)
	}
}

type panicInvoker struct{}

func (panicInvoker) Invoke(context.Context, provider.Request) (provider.Response, error) {
	panic("boom")
}

func (panicInvoker) InvokeStream(context.Context, provider.Request, provider.DeltaHandler) (provider.Response, error) {
	panic("boom")
}

func TestLaunchWorkflowModeInvokerPanic(t *testing.T) {
	svc, store, _ := newService(panicInvoker{})

	launched, err := svc.Launch(context.Background(), GenerateRequest{
		Query: "run",
		User:  "u1",
		Mode:  queue.AppModeWorkflow,
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	_, err = launched.Pipeline.RunBlocking(context.Background())
	if err == nil {
		t.Fatalf("RunBlocking() error = nil, want workflow failure")
	}
	var perr *pipeline.Error
	if !errors.As(err, &perr) || perr.Info.Code != "workflow_failed" {
		t.Fatalf("RunBlocking() error = %v, want workflow_failed envelope", err)
	}

	run, ok := store.GetWorkflowRun(launched.Ref.WorkflowRunID)
	if !ok || run.Status != records.RunStatusFailed {
		t.Fatalf("workflow run = %+v, want failed", run)
	}
}

func TestLaunchValidation(t *testing.T) {
	svc, _, _ := newService(provider.NewMockInvoker())

	if _, err := svc.Launch(context.Background(), GenerateRequest{User: "u1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing query error = %v, want ErrValidation", err)
	}
	if _, err := svc.Launch(context.Background(), GenerateRequest{Query: "q"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing user error = %v, want ErrValidation", err)
	}
	if _, err := svc.Launch(context.Background(), GenerateRequest{
		Query: "q", User: "u1", Mode: "carrier-pigeon",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad mode error = %v, want ErrValidation", err)
	}
	if _, err := svc.Launch(context.Background(), GenerateRequest{
		Query: "q", User: "u1", InvokeFrom: "smoke-signal",
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad origin error = %v, want ErrValidation", err)
	}
}

func TestStopAuthorization(t *testing.T) {
	svc, _, fl := newService(&provider.MockInvoker{
		Deltas: []string{"slow", " answer"},
	})

	launched, err := svc.Launch(context.Background(), GenerateRequest{
		Query:      "q",
		User:       "owner",
		InvokeFrom: queue.InvokeFromWebApp,
		Stream:     true,
	})
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}

	// a different end user must not be able to stop the task
	if err := svc.Stop(context.Background(), launched.Task.ID, queue.InvokeFromWebApp, "intruder"); err != nil {
		t.Fatalf("Stop(non-owner) error = %v", err)
	}
	if _, ok, _ := fl.Get(context.Background(), "generate_task_stopped:"+launched.Task.ID); ok {
		t.Fatalf("stop flag set by non-owner")
	}

	if err := svc.Stop(context.Background(), launched.Task.ID, queue.InvokeFromWebApp, "owner"); err != nil {
		t.Fatalf("Stop(owner) error = %v", err)
	}
	if _, ok, _ := fl.Get(context.Background(), "generate_task_stopped:"+launched.Task.ID); !ok {
		t.Fatalf("stop flag missing after owner request")
	}

	// drain so the listener terminates
	for range launched.Pipeline.RunStream(context.Background()) {
	}
}

func TestStopValidation(t *testing.T) {
	svc, _, _ := newService(provider.NewMockInvoker())
	if err := svc.Stop(context.Background(), "", queue.InvokeFromWebApp, "u"); !errors.Is(err, ErrValidation) {
		t.Fatalf("Stop with empty id error = %v, want ErrValidation", err)
	}
}
