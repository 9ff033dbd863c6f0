package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antoniostano/genflow/internal/flags"
)

const (
	defaultMaxExecutionTime = 20 * time.Minute
	defaultPollInterval     = time.Second
	defaultPingInterval     = 10 * time.Second
	defaultMailboxSize      = 512

	stopFlagTTL = 10 * time.Minute
	ownerTTL    = 30 * time.Minute
)

// Options tunes a task queue. Zero values fall back to defaults.
type Options struct {
	MaxExecutionTime time.Duration
	PollInterval     time.Duration
	PingInterval     time.Duration
	MailboxSize      int
}

func (o Options) withDefaults() Options {
	if o.MaxExecutionTime <= 0 {
		o.MaxExecutionTime = defaultMaxExecutionTime
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.PingInterval <= 0 {
		o.PingInterval = defaultPingInterval
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	return o
}

// item wraps a mailbox slot so the close sentinel stays distinct from any
// Event while still travelling through the same FIFO.
type item struct {
	evt      Event
	sentinel bool
}

// Manager is the single-producer/single-consumer mailbox bound to one task.
// The generation worker publishes, the task pipeline listens; nothing else
// touches the queue for the task's lifetime.
type Manager struct {
	task   Task
	flags  flags.Store
	logger *slog.Logger
	opts   Options

	mailbox  chan item
	stopCh   chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	closed bool
}

func newManager(task Task, store flags.Store, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Manager{
		task:    task,
		flags:   store,
		logger:  logger,
		opts:    opts,
		mailbox: make(chan item, opts.MailboxSize),
		stopCh:  make(chan struct{}),
	}
}

func (m *Manager) Task() Task { return m.task }

// Publish enqueues an event for the listener. Events published after the
// listener has terminated are dropped; a saturated mailbox also drops rather
// than blocking the worker (best-effort, no backpressure guarantee).
func (m *Manager) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	select {
	case m.mailbox <- item{evt: evt}:
	default:
		m.logger.Warn("queue mailbox full, dropping event",
			"task_id", m.task.ID, "kind", string(evt.Kind))
	}
}

// StopListen pushes the close sentinel so the listener ends its stream on
// graceful completion without an explicit Stop event.
func (m *Manager) StopListen() {
	m.stopOnce.Do(func() {
		select {
		case m.mailbox <- item{sentinel: true}:
		default:
			close(m.stopCh)
		}
	})
}

// Listen starts the consumer loop and returns its event channel. The channel
// is closed after exactly one terminal event (or the sentinel / ctx cancel).
// It must only be called once per task.
func (m *Manager) Listen(ctx context.Context) <-chan Event {
	out := make(chan Event, m.opts.MailboxSize)
	go m.listenLoop(ctx, out)
	return out
}

func (m *Manager) listenLoop(ctx context.Context, out chan<- Event) {
	defer close(out)
	defer func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	}()

	started := time.Now()
	lastPing := started
	lastCheck := time.Time{}
	stopIssued := false

	for {
		var it item
		delivered := false

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			// The sentinel could not be enqueued, so events may still sit
			// in the mailbox. Deliver them before ending the session.
			m.drainMailbox(ctx, out)
			return
		case it = <-m.mailbox:
			delivered = true
		case <-time.After(m.opts.PollInterval):
		}

		if delivered {
			if it.sentinel {
				return
			}
			select {
			case out <- it.evt:
			case <-ctx.Done():
				return
			}
			if it.evt.Terminal() {
				return
			}
		} else if time.Since(lastPing) >= m.opts.PingInterval {
			// Keep long-lived streaming connections alive through proxies.
			select {
			case out <- Event{Kind: EventPing, At: time.Now().UTC()}:
				lastPing = time.Now()
			case <-ctx.Done():
				return
			}
		}

		// Budget and stop-flag checks run at most once per poll interval so a
		// busy stream does not hammer the flag store.
		if stopIssued || time.Since(lastCheck) < m.opts.PollInterval {
			continue
		}
		lastCheck = time.Now()

		if time.Since(started) >= m.opts.MaxExecutionTime {
			m.Publish(Event{Kind: EventStop, StopReason: StopReasonUserManual})
			stopIssued = true
			continue
		}
		if m.stopFlagSet(ctx) {
			m.Publish(Event{Kind: EventStop, StopReason: StopReasonUserManual})
			stopIssued = true
		}
	}
}

// drainMailbox forwards already-queued events in FIFO order, stopping at a
// sentinel, a terminal event, or an empty mailbox.
func (m *Manager) drainMailbox(ctx context.Context, out chan<- Event) {
	for {
		select {
		case it := <-m.mailbox:
			if it.sentinel {
				return
			}
			select {
			case out <- it.evt:
			case <-ctx.Done():
				return
			}
			if it.evt.Terminal() {
				return
			}
		default:
			return
		}
	}
}

func (m *Manager) stopFlagSet(ctx context.Context) bool {
	if m.flags == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, ok, err := m.flags.Get(checkCtx, stopKey(m.task.ID))
	if err != nil {
		m.logger.Warn("stop flag check failed", "task_id", m.task.ID, "error", err)
		return false
	}
	return ok
}

// SetStopFlag requests cancellation of a running task. The request is a no-op
// unless the caller's actor identity matches the recorded owner. Setting the
// flag twice is harmless: the listener converts it into a single Stop event.
func SetStopFlag(ctx context.Context, store flags.Store, taskID string, from InvokeFrom, actorID string) error {
	owner, ok, err := store.Get(ctx, ownerKey(taskID))
	if err != nil {
		return err
	}
	if !ok || owner != ActorKey(from, actorID) {
		return nil
	}
	return store.Set(ctx, stopKey(taskID), owner, stopFlagTTL)
}

func stopKey(taskID string) string  { return "generate_task_stopped:" + taskID }
func ownerKey(taskID string) string { return "generate_task_belongs:" + taskID }
