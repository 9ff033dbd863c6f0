package httpapi

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/genflow/internal/config"
	"github.com/antoniostano/genflow/internal/flags"
	"github.com/antoniostano/genflow/internal/pipeline"
	"github.com/antoniostano/genflow/internal/provider"
	"github.com/antoniostano/genflow/internal/records"
	"github.com/antoniostano/genflow/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	return config.Config{
		DefaultModel:            "mock-model",
		ProviderMode:            "mock",
		MaxExecutionTime:        30 * time.Second,
		PollInterval:            10 * time.Millisecond,
		PingInterval:            10 * time.Second,
		MailboxSize:             64,
		ModerationBufferSize:    300,
		ModerationCheckInterval: 5 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, invoker provider.Invoker) *httptest.Server {
	t.Helper()
	cfg := testConfig()
	svc := service.New(cfg, invoker, flags.NewInMemoryStore(), records.NewInMemoryStore(), nil, testLogger())
	srv := New(cfg, svc, nil, testLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, provider.NewMockInvoker())

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestCompletionsBlocking(t *testing.T) {
	ts := newTestServer(t, &provider.MockInvoker{Deltas: []string{"Hello ", "world"}})

	resp := postJSON(t, ts.URL+"/v1/completions",
		`{"query":"say hello","user":"u1","response_mode":"blocking"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out pipeline.BlockingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Answer != "Hello world" {
		t.Fatalf("answer = %q, want %q", out.Answer, "Hello world")
	}
	if out.TaskID == "" || out.MessageID == "" || out.ConversationID == "" {
		t.Fatalf("missing identifiers in response: %+v", out)
	}
}

func TestCompletionsValidation(t *testing.T) {
	ts := newTestServer(t, provider.NewMockInvoker())

	resp := postJSON(t, ts.URL+"/v1/completions", `{"query":"hi"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "invalid_request" || body.Status != http.StatusBadRequest {
		t.Fatalf("error body = %+v, want invalid_request / 400", body)
	}
}

func TestCompletionsProviderError(t *testing.T) {
	ts := newTestServer(t, &provider.MockInvoker{Err: provider.ErrQuota})

	resp := postJSON(t, ts.URL+"/v1/completions",
		`{"query":"hi","user":"u1","response_mode":"blocking"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}

	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "provider_quota_exceeded" {
		t.Fatalf("error code = %q, want provider_quota_exceeded", body.Code)
	}
}

func TestCompletionsStreaming(t *testing.T) {
	ts := newTestServer(t, &provider.MockInvoker{Deltas: []string{"a", "b"}})

	resp := postJSON(t, ts.URL+"/v1/completions",
		`{"query":"hi","user":"u1","response_mode":"streaming"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	var chunks []pipeline.StreamChunk
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk pipeline.StreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("decode chunk %q: %v", line, err)
		}
		chunks = append(chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if last.Event != "message_end" {
		t.Fatalf("last event = %q, want message_end", last.Event)
	}
	if last.Answer != "ab" {
		t.Fatalf("final answer = %q, want %q", last.Answer, "ab")
	}
}

func TestStopTask(t *testing.T) {
	ts := newTestServer(t, provider.NewMockInvoker())

	resp := postJSON(t, ts.URL+"/v1/tasks/task-123/stop",
		`{"user":"u1"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["result"] != "success" {
		t.Fatalf("result = %q, want success", body["result"])
	}
}

func TestStopTaskValidation(t *testing.T) {
	ts := newTestServer(t, provider.NewMockInvoker())

	resp := postJSON(t, ts.URL+"/v1/tasks/task-123/stop", `{}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
