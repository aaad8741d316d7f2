package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NodeOverride replaces one node's configuration for a single workflow
// without editing the stored workflow definition itself. Unique on
// workflow_id+node_id; each override independently enables/disables a
// node or replaces its config/timeout.
type NodeOverride struct {
	WorkflowID string
	NodeID     string
	Disabled   *bool
	Config     map[string]any
	TimeoutMS  *int64
	UpdatedBy  string
	UpdatedAt  time.Time
}

// OverrideStore persists NodeOverrides.
type OverrideStore interface {
	// PutOverride inserts or replaces the override for (workflowID, nodeID).
	PutOverride(ctx context.Context, o *NodeOverride) error

	// GetOverrides returns every override recorded for workflowID, sorted
	// by NodeID.
	GetOverrides(ctx context.Context, workflowID string) ([]*NodeOverride, error)

	// DeleteOverride removes the override for (workflowID, nodeID), if any.
	DeleteOverride(ctx context.Context, workflowID, nodeID string) error
}

// MemoryOverrideStore is an in-process OverrideStore for tests and
// single-process deployments.
type MemoryOverrideStore struct {
	mu        sync.RWMutex
	overrides map[string]map[string]*NodeOverride // workflowID -> nodeID -> override
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{overrides: make(map[string]map[string]*NodeOverride)}
}

func (m *MemoryOverrideStore) PutOverride(_ context.Context, o *NodeOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNode, ok := m.overrides[o.WorkflowID]
	if !ok {
		byNode = make(map[string]*NodeOverride)
		m.overrides[o.WorkflowID] = byNode
	}
	cp := *o
	byNode[o.NodeID] = &cp
	return nil
}

func (m *MemoryOverrideStore) GetOverrides(_ context.Context, workflowID string) ([]*NodeOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byNode := m.overrides[workflowID]
	out := make([]*NodeOverride, 0, len(byNode))
	for _, o := range byNode {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NodeID < out[k].NodeID })
	return out, nil
}

func (m *MemoryOverrideStore) DeleteOverride(_ context.Context, workflowID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.overrides[workflowID], nodeID)
	return nil
}

var _ OverrideStore = (*MemoryOverrideStore)(nil)

// PostgresOverrideStore is the durable OverrideStore backend, sharing
// PostgresStore's pgxpool connection-pool idiom.
type PostgresOverrideStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOverrideStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresOverrideStore, error) {
	s := &PostgresOverrideStore{pool: pool}
	if err := s.createTables(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const overrideSchemaSQL = `
CREATE TABLE IF NOT EXISTS node_overrides (
	workflow_id TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	disabled    BOOLEAN,
	config      JSONB,
	timeout_ms  BIGINT,
	updated_by  TEXT,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (workflow_id, node_id)
);
`

func (s *PostgresOverrideStore) createTables(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, overrideSchemaSQL); err != nil {
		return fmt.Errorf("queue: create node_overrides schema: %w", err)
	}
	return nil
}

func (s *PostgresOverrideStore) PutOverride(ctx context.Context, o *NodeOverride) error {
	configJSON, err := json.Marshal(o.Config)
	if err != nil {
		return fmt.Errorf("queue: marshal override config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO node_overrides (workflow_id, node_id, disabled, config, timeout_ms, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_id, node_id) DO UPDATE SET
			disabled = EXCLUDED.disabled,
			config = EXCLUDED.config,
			timeout_ms = EXCLUDED.timeout_ms,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, o.WorkflowID, o.NodeID, o.Disabled, configJSON, o.TimeoutMS, o.UpdatedBy, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queue: put override: %w", err)
	}
	return nil
}

func (s *PostgresOverrideStore) GetOverrides(ctx context.Context, workflowID string) ([]*NodeOverride, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT workflow_id, node_id, disabled, config, timeout_ms, updated_by, updated_at
		FROM node_overrides WHERE workflow_id = $1 ORDER BY node_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("queue: get overrides: %w", err)
	}
	defer rows.Close()

	var out []*NodeOverride
	for rows.Next() {
		var o NodeOverride
		var configJSON []byte
		if err := rows.Scan(&o.WorkflowID, &o.NodeID, &o.Disabled, &configJSON, &o.TimeoutMS, &o.UpdatedBy, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan override: %w", err)
		}
		if len(configJSON) > 0 {
			_ = json.Unmarshal(configJSON, &o.Config)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *PostgresOverrideStore) DeleteOverride(ctx context.Context, workflowID, nodeID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM node_overrides WHERE workflow_id = $1 AND node_id = $2`, workflowID, nodeID)
	if err != nil {
		return fmt.Errorf("queue: delete override: %w", err)
	}
	return nil
}

var _ OverrideStore = (*PostgresOverrideStore)(nil)
