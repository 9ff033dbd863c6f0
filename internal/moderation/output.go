package moderation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/genflow/internal/queue"
)

const (
	defaultBufferSize    = 300
	defaultCheckInterval = 300 * time.Millisecond
	checkTimeout         = 5 * time.Second
)

// Publisher is the slice of the task queue the moderator needs.
type Publisher interface {
	Publish(evt queue.Event)
}

// OutputModerator accumulates streamed output and re-checks it every time
// the buffer grows past a threshold, plus once more after the final token.
// A direct-output verdict replaces the visible answer and stops the task.
type OutputModerator struct {
	provider Provider
	pub      Publisher
	logger   *slog.Logger

	bufferSize    int
	checkInterval time.Duration

	mu          sync.Mutex
	buffer      []byte
	final       bool
	stopped     bool
	finalAnswer string

	startOnce sync.Once
	done      chan struct{}
}

// NewOutputModerator wires a moderator to a task's event queue. The checker
// goroutine starts lazily with the first token.
func NewOutputModerator(provider Provider, pub Publisher, logger *slog.Logger, bufferSize int, interval time.Duration) *OutputModerator {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &OutputModerator{
		provider:      provider,
		pub:           pub,
		logger:        logger,
		bufferSize:    bufferSize,
		checkInterval: interval,
		done:          make(chan struct{}),
	}
}

// AppendNewToken adds a streamed delta to the moderation buffer. Tokens
// arriving after the moderator stopped the task are ignored.
func (m *OutputModerator) AppendNewToken(token string) {
	m.mu.Lock()
	if m.stopped || m.final {
		m.mu.Unlock()
		return
	}
	m.buffer = append(m.buffer, token...)
	m.mu.Unlock()

	m.startOnce.Do(func() {
		go m.run()
	})
}

// MarkFinal signals that no more tokens will arrive and blocks until the
// final check, if any, has run.
func (m *OutputModerator) MarkFinal() {
	m.mu.Lock()
	m.final = true
	started := m.buffer != nil
	m.mu.Unlock()
	if !started {
		return
	}
	m.startOnce.Do(func() {
		go m.run()
	})
	<-m.done
}

// Stopped reports whether the moderator halted the task.
func (m *OutputModerator) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// FinalAnswer returns the replacement answer when content was rewritten,
// and ok=false when the original answer stands.
func (m *OutputModerator) FinalAnswer() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalAnswer, m.finalAnswer != ""
}

func (m *OutputModerator) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	lastChecked := 0
	for range ticker.C {
		m.mu.Lock()
		final := m.final
		stopped := m.stopped
		length := len(m.buffer)
		m.mu.Unlock()

		if stopped {
			return
		}
		grown := length - lastChecked
		if grown >= m.bufferSize || (final && grown > 0) {
			lastChecked = length
			if m.check() {
				return
			}
		}
		if final {
			return
		}
	}
}

// check runs one moderation pass over the whole buffer and returns true
// when the task was halted.
func (m *OutputModerator) check() bool {
	m.mu.Lock()
	content := string(m.buffer)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	res, err := m.provider.Check(ctx, content)
	if err != nil {
		m.logger.Warn("output moderation check failed", "error", err)
		return false
	}

	switch res.Outcome {
	case OutcomeDirectOutput:
		m.mu.Lock()
		m.stopped = true
		m.finalAnswer = res.Text
		m.mu.Unlock()
		m.pub.Publish(queue.Event{Kind: queue.EventMessageReplace, Text: res.Text})
		m.pub.Publish(queue.Event{Kind: queue.EventStop, StopReason: queue.StopReasonOutputModeration})
		return true
	case OutcomeReplace:
		m.mu.Lock()
		m.buffer = []byte(res.Text)
		m.finalAnswer = res.Text
		m.mu.Unlock()
		m.pub.Publish(queue.Event{Kind: queue.EventMessageReplace, Text: res.Text})
	}
	return false
}

// CheckCompletion is the one-shot variant used by blocking invocations. It
// returns the answer that should be delivered.
func CheckCompletion(ctx context.Context, provider Provider, answer string) (string, Outcome, error) {
	res, err := provider.Check(ctx, answer)
	if err != nil {
		return answer, OutcomePass, err
	}
	switch res.Outcome {
	case OutcomeDirectOutput, OutcomeReplace:
		return res.Text, res.Outcome, nil
	default:
		return answer, OutcomePass, nil
	}
}
