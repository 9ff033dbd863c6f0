package records

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore keeps records in process memory. It backs tests and
// single-node deployments without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string]Message
	runs     map[string]WorkflowRun
	nodes    map[string]NodeExecution
	audits   []AuditLog
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string]Message),
		runs:     make(map[string]WorkflowRun),
		nodes:    make(map[string]NodeExecution),
	}
}

func (s *InMemoryStore) CreateMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) UpdateMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("update message %s: %w", msg.ID, ErrNotFound)
	}
	s.messages[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) CreateWorkflowRun(_ context.Context, run WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *InMemoryStore) UpdateWorkflowRun(_ context.Context, run WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("update workflow run %s: %w", run.ID, ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *InMemoryStore) CreateNodeExecution(_ context.Context, exec NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[exec.ID] = exec
	return nil
}

func (s *InMemoryStore) UpdateNodeExecution(_ context.Context, exec NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[exec.ID]; !ok {
		return fmt.Errorf("update node execution %s: %w", exec.ID, ErrNotFound)
	}
	s.nodes[exec.ID] = exec
	return nil
}

func (s *InMemoryStore) CreateAuditLog(_ context.Context, entry AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// GetMessage returns a stored message snapshot. Test helper.
func (s *InMemoryStore) GetMessage(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	return msg, ok
}

// GetWorkflowRun returns a stored run snapshot. Test helper.
func (s *InMemoryStore) GetWorkflowRun(id string) (WorkflowRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok
}

// GetNodeExecution returns a stored node execution snapshot. Test helper.
func (s *InMemoryStore) GetNodeExecution(id string) (NodeExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.nodes[id]
	return exec, ok
}

// AuditLogs returns a copy of all audit entries. Test helper.
func (s *InMemoryStore) AuditLogs() []AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditLog, len(s.audits))
	copy(out, s.audits)
	return out
}
