package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalcanvas/core"
	"github.com/petal-labs/petalcanvas/graph"

	_ "modernc.org/sqlite"
)

const (
	defaultSQLiteDir = ".petalcanvas"
	defaultSQLiteDB  = "petalcanvas.db"
)

const workflowSQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	nodes BLOB NOT NULL,
	edges BLOB NOT NULL,
	node_data BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_user_updated
ON workflows(user_id, updated_at DESC);`

// DefaultSQLitePath returns ~/.petalcanvas/petalcanvas.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, defaultSQLiteDir, defaultSQLiteDB), nil
}

// SQLiteStoreConfig configures the SQLite workflow store.
type SQLiteStoreConfig struct {
	DSN string

	// Retry governs retries while opening the database (default:
	// DefaultRetryPolicy).
	Retry RetryPolicy

	Logger *slog.Logger
}

// SQLiteStore persists workflow documents in SQLite. Timestamps are stored
// as Unix nanoseconds so ordering by updated_at is exact.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite-backed workflow store. Transient
// open failures are retried per cfg.Retry.
func NewSQLiteStore(ctx context.Context, cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("workflow store sqlite dsn is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Retry
	if policy == (RetryPolicy{}) {
		policy = DefaultRetryPolicy
	}

	if !strings.HasPrefix(strings.ToLower(cfg.DSN), "file:") && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("workflow sqlite store create dir: %w", err)
		}
	}

	db, err := retry(ctx, policy, logger, "open", func(ctx context.Context) (*sql.DB, error) {
		return openWorkflowDB(ctx, cfg.DSN)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func openWorkflowDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow sqlite store open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow sqlite store ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow sqlite store set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, workflowSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("workflow sqlite store create schema: %w", err)
	}
	return db, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, doc graph.Document) (graph.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.Name = normalizeName(doc.Name)
	now := s.now()
	doc.UpdatedAt = now

	nodes, edges, data, err := encodeGraph(doc)
	if err != nil {
		return graph.Document{}, err
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO workflows (id, user_id, name, nodes, edges, node_data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		doc.ID, doc.UserID, doc.Name, nodes, edges, data, now.UnixNano(), now.UnixNano())
	if err != nil {
		return graph.Document{}, fmt.Errorf("workflow sqlite store create: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return graph.Document{}, fmt.Errorf("workflow sqlite store create affected rows: %w", err)
	}
	if affected == 0 {
		return graph.Document{}, ErrWorkflowExists
	}
	return cloneDocument(doc), nil
}

func (s *SQLiteStore) Update(ctx context.Context, doc graph.Document) (graph.Document, error) {
	doc.Name = normalizeName(doc.Name)
	doc.UpdatedAt = s.now()

	nodes, edges, data, err := encodeGraph(doc)
	if err != nil {
		return graph.Document{}, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE workflows
SET name = ?, nodes = ?, edges = ?, node_data = ?, updated_at = ?
WHERE id = ? AND user_id = ?`,
		doc.Name, nodes, edges, data, doc.UpdatedAt.UnixNano(), doc.ID, doc.UserID)
	if err != nil {
		return graph.Document{}, fmt.Errorf("workflow sqlite store update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return graph.Document{}, fmt.Errorf("workflow sqlite store update affected rows: %w", err)
	}
	if affected == 0 {
		return graph.Document{}, ErrWorkflowNotFound
	}
	return cloneDocument(doc), nil
}

func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (graph.Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, nodes, edges, node_data, updated_at
FROM workflows
WHERE id = ? AND user_id = ?`, id, userID)
	return scanDocument(row)
}

func (s *SQLiteStore) Latest(ctx context.Context, userID string) (graph.Document, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, name, nodes, edges, node_data, updated_at
FROM workflows
WHERE user_id = ?
ORDER BY updated_at DESC, seq DESC
LIMIT 1`, userID)
	return scanDocument(row)
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]WorkflowSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, name, created_at, updated_at
FROM workflows
WHERE user_id = ?
ORDER BY updated_at DESC, seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("workflow sqlite store list: %w", err)
	}
	defer rows.Close()

	out := make([]WorkflowSummary, 0)
	for rows.Next() {
		var (
			sum                  WorkflowSummary
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("workflow sqlite store list scan: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt).UTC()
		sum.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow sqlite store list rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("workflow sqlite store delete: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow sqlite store delete affected rows: %w", err)
	}
	if affected == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func encodeGraph(doc graph.Document) (nodes, edges, data []byte, err error) {
	if doc.Nodes == nil {
		doc.Nodes = []core.Node{}
	}
	if doc.Edges == nil {
		doc.Edges = []core.Edge{}
	}
	if doc.NodeData == nil {
		doc.NodeData = map[string]core.NodeData{}
	}
	if nodes, err = json.Marshal(doc.Nodes); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding nodes: %w", err)
	}
	if edges, err = json.Marshal(doc.Edges); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding edges: %w", err)
	}
	if data, err = json.Marshal(doc.NodeData); err != nil {
		return nil, nil, nil, fmt.Errorf("encoding node data: %w", err)
	}
	return nodes, edges, data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (graph.Document, bool, error) {
	var (
		doc                graph.Document
		nodes, edges, data []byte
		updatedAt          int64
	)
	if err := row.Scan(&doc.ID, &doc.UserID, &doc.Name, &nodes, &edges, &data, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return graph.Document{}, false, nil
		}
		return graph.Document{}, false, fmt.Errorf("workflow sqlite store scan: %w", err)
	}
	if err := json.Unmarshal(nodes, &doc.Nodes); err != nil {
		return graph.Document{}, false, fmt.Errorf("decoding nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &doc.Edges); err != nil {
		return graph.Document{}, false, fmt.Errorf("decoding edges: %w", err)
	}
	if err := json.Unmarshal(data, &doc.NodeData); err != nil {
		return graph.Document{}, false, fmt.Errorf("decoding node data: %w", err)
	}
	doc.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return doc, true, nil
}

var _ WorkflowStore = (*SQLiteStore)(nil)
