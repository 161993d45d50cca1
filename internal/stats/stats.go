package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProjectStats is the aggregate pushed on the stats channel and served by
// the pull endpoint.
type ProjectStats struct {
	ProjectID          string    `json:"project_id"`
	FilesCount         int64     `json:"files_count"`
	EmbeddingsCount    int64     `json:"embeddings_count"`
	GraphNodes         int64     `json:"graph_nodes"`
	GraphRelationships int64     `json:"graph_relationships"`
	LastUpdated        time.Time `json:"last_updated"`
}

// Push is the stats-channel envelope. Type and EventType carry the same
// value; the dashboard historically read either.
type Push struct {
	Type      string       `json:"type"`
	Data      ProjectStats `json:"data"`
	EventType string       `json:"event_type"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	PushInitial = "initial_project_stats"
	PushUpdate  = "project_stats_update"
)

func NewPush(kind string, data ProjectStats, now time.Time) Push {
	return Push{Type: kind, Data: data, EventType: kind, Timestamp: now}
}

// Provider reads the current aggregate for a project.
type Provider interface {
	ProjectStats(ctx context.Context, projectID string) (ProjectStats, error)
}

// SQLStore persists project stats in the history database. Ingestion
// pipelines call Record; a project with no row reads as all zeros rather
// than an error so a fresh dashboard renders.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Record(ctx context.Context, ps ProjectStats) error {
	if ps.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if ps.LastUpdated.IsZero() {
		ps.LastUpdated = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_stats (project_id, files_count, embeddings_count, graph_nodes, graph_relationships, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			files_count = excluded.files_count,
			embeddings_count = excluded.embeddings_count,
			graph_nodes = excluded.graph_nodes,
			graph_relationships = excluded.graph_relationships,
			last_updated = excluded.last_updated
	`, ps.ProjectID, ps.FilesCount, ps.EmbeddingsCount, ps.GraphNodes, ps.GraphRelationships,
		ps.LastUpdated.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record project stats: %w", err)
	}
	return nil
}

func (s *SQLStore) ProjectStats(ctx context.Context, projectID string) (ProjectStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, files_count, embeddings_count, graph_nodes, graph_relationships, last_updated
		FROM project_stats WHERE project_id = ?
	`, projectID)
	var ps ProjectStats
	var lastUpdatedStr string
	err := row.Scan(&ps.ProjectID, &ps.FilesCount, &ps.EmbeddingsCount, &ps.GraphNodes, &ps.GraphRelationships, &lastUpdatedStr)
	if err == sql.ErrNoRows {
		return ProjectStats{ProjectID: projectID}, nil
	}
	if err != nil {
		return ProjectStats{}, fmt.Errorf("load project stats: %w", err)
	}
	ps.LastUpdated, _ = time.Parse(time.RFC3339Nano, lastUpdatedStr)
	return ps, nil
}
