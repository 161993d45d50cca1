package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/assessd/crewrelay/internal/event"
)

// Store is the persisted interaction log plus run bookkeeping. Events are
// append-only and never deleted here; the full event is kept as JSON in the
// detail column with the filterable fields lifted into their own columns.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter selects interactions for List and Count. Search matches
// case-insensitively against message, agent name, and tool name. All set
// fields are AND-combined.
type Filter struct {
	ProjectID string
	TaskID    string
	Status    event.Status
	AgentName string
	ToolName  string
	Search    string
	Limit     int
	Offset    int
}

func (s *Store) Append(ctx context.Context, e event.Event) error {
	if err := event.Validate(e); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	detail, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, project_id, task_id, conversation_id, parent_id, sequence, type, status, agent_name, tool_name, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.ProjectID, e.TaskID, nullString(e.ConversationID), nullString(e.ParentID), e.Sequence,
		string(e.Type), string(e.Status), nullString(e.AgentName()), nullString(e.ToolName()),
		nullString(e.Message), string(detail), e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

// List returns matching events in the store's stable order: ascending
// timestamp, with (task_id, sequence) as tiebreak. Within one task this is
// sequence order.
func (s *Store) List(ctx context.Context, f Filter) ([]event.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := buildFilterWhere(f)
	query := fmt.Sprintf(`SELECT detail FROM interactions %s ORDER BY created_at ASC, task_id ASC, sequence ASC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		var e event.Event
		if err := json.Unmarshal([]byte(detail), &e); err != nil {
			return nil, fmt.Errorf("decode interaction: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildFilterWhere(f)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count interactions: %w", err)
	}
	return count, nil
}

// Get returns a single event by ID; sql.ErrNoRows wraps through when absent.
func (s *Store) Get(ctx context.Context, id string) (event.Event, error) {
	var detail string
	err := s.db.QueryRowContext(ctx, `SELECT detail FROM interactions WHERE id = ?`, id).Scan(&detail)
	if err != nil {
		return event.Event{}, fmt.Errorf("get interaction %s: %w", id, err)
	}
	var e event.Event
	if err := json.Unmarshal([]byte(detail), &e); err != nil {
		return event.Event{}, fmt.Errorf("decode interaction %s: %w", id, err)
	}
	return e, nil
}

// LastSequence returns the highest stored sequence for a task, 0 when none.
func (s *Store) LastSequence(ctx context.Context, taskID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM interactions WHERE task_id = ?`, taskID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("last sequence for %s: %w", taskID, err)
	}
	if !maxSeq.Valid {
		return 0, nil
	}
	return maxSeq.Int64, nil
}

func buildFilterWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any

	if f.ProjectID != "" {
		clauses = append(clauses, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentName != "" {
		clauses = append(clauses, "agent_name = ?")
		args = append(args, f.AgentName)
	}
	if f.ToolName != "" {
		clauses = append(clauses, "tool_name = ?")
		args = append(args, f.ToolName)
	}
	if f.Search != "" {
		needle := "%" + strings.ToLower(f.Search) + "%"
		clauses = append(clauses, "(LOWER(COALESCE(message, '')) LIKE ? OR LOWER(COALESCE(agent_name, '')) LIKE ? OR LOWER(COALESCE(tool_name, '')) LIKE ?)")
		args = append(args, needle, needle, needle)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}
