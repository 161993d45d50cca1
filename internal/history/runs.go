package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/assessd/crewrelay/internal/event"
)

// Run is one crew execution tracked by the relay daemon. Status uses the
// running/completed/failed/cancelled subset of the event status enum.
type Run struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Status         event.Status   `json:"status"`
	Error          string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type RunFilter struct {
	ProjectID string
	Status    event.Status
	Limit     int
}

func (s *Store) CreateRun(ctx context.Context, run Run) error {
	metadataJSON, err := encodeJSON(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode run metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, conversation_id, status, error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ProjectID, nullString(run.ConversationID), string(run.Status), nullString(run.Error),
		metadataJSON, run.CreatedAt.UTC().Format(time.RFC3339Nano), run.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status event.Status, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullString(errMsg), now, id)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, conversation_id, status, error, metadata, created_at, updated_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, project_id, conversation_id, status, error, metadata, created_at, updated_at FROM runs`
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var conversationID, errMsg, metadataStr sql.NullString
	var status, createdAtStr, updatedAtStr string
	if err := row.Scan(&run.ID, &run.ProjectID, &conversationID, &status, &errMsg, &metadataStr, &createdAtStr, &updatedAtStr); err != nil {
		return Run{}, err
	}
	run.ConversationID = conversationID.String
	run.Status = event.Status(status)
	run.Error = errMsg.String
	run.Metadata = decodeJSONMap(metadataStr.String)
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return run, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
