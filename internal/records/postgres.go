package records

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRecordSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initRecordSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			query TEXT NOT NULL DEFAULT '',
			answer TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			outputs JSONB NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			inputs JSONB NOT NULL DEFAULT '{}',
			outputs JSONB NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_node_executions_run_seq ON node_executions (run_id, seq);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			actor_key TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_task ON audit_logs (task_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init record schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, msg Message) error {
	return s.upsertMessage(ctx, msg)
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, msg Message) error {
	return s.upsertMessage(ctx, msg)
}

func (s *PostgresStore) upsertMessage(ctx context.Context, msg Message) error {
	metadata, err := jsonObject(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (
			id, task_id, conversation_id, query, answer, status, error,
			prompt_tokens, completion_tokens, metadata, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::jsonb,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			answer=EXCLUDED.answer,
			status=EXCLUDED.status,
			error=EXCLUDED.error,
			prompt_tokens=EXCLUDED.prompt_tokens,
			completion_tokens=EXCLUDED.completion_tokens,
			metadata=EXCLUDED.metadata,
			updated_at=EXCLUDED.updated_at`,
		msg.ID,
		msg.TaskID,
		msg.ConversationID,
		msg.Query,
		msg.Answer,
		string(msg.Status),
		msg.Error,
		msg.PromptTokens,
		msg.CompletionTokens,
		metadata,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run WorkflowRun) error {
	return s.upsertWorkflowRun(ctx, run)
}

func (s *PostgresStore) UpdateWorkflowRun(ctx context.Context, run WorkflowRun) error {
	return s.upsertWorkflowRun(ctx, run)
}

func (s *PostgresStore) upsertWorkflowRun(ctx context.Context, run WorkflowRun) error {
	outputs, err := jsonObject(run.Outputs)
	if err != nil {
		return fmt.Errorf("encode run outputs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (
			id, task_id, status, outputs, error, elapsed_ms, created_at, finished_at
		) VALUES ($1,$2,$3,$4::jsonb,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			outputs=EXCLUDED.outputs,
			error=EXCLUDED.error,
			elapsed_ms=EXCLUDED.elapsed_ms,
			finished_at=EXCLUDED.finished_at`,
		run.ID,
		run.TaskID,
		string(run.Status),
		outputs,
		run.Error,
		run.ElapsedMS,
		run.CreatedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow run: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateNodeExecution(ctx context.Context, exec NodeExecution) error {
	return s.upsertNodeExecution(ctx, exec)
}

func (s *PostgresStore) UpdateNodeExecution(ctx context.Context, exec NodeExecution) error {
	return s.upsertNodeExecution(ctx, exec)
}

func (s *PostgresStore) upsertNodeExecution(ctx context.Context, exec NodeExecution) error {
	inputs, err := jsonObject(exec.Inputs)
	if err != nil {
		return fmt.Errorf("encode node inputs: %w", err)
	}
	outputs, err := jsonObject(exec.Outputs)
	if err != nil {
		return fmt.Errorf("encode node outputs: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO node_executions (
			id, run_id, node_id, node_type, title, seq, status, inputs,
			outputs, error, elapsed_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9::jsonb,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			inputs=EXCLUDED.inputs,
			outputs=EXCLUDED.outputs,
			error=EXCLUDED.error,
			elapsed_ms=EXCLUDED.elapsed_ms`,
		exec.ID,
		exec.RunID,
		exec.NodeID,
		exec.NodeType,
		exec.Title,
		exec.Index,
		string(exec.Status),
		inputs,
		outputs,
		exec.Error,
		exec.ElapsedMS,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAuditLog(ctx context.Context, entry AuditLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, task_id, actor_key, action, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID,
		entry.TaskID,
		entry.ActorKey,
		entry.Action,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func jsonObject(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
