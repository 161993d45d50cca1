package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/assessd/crewrelay/internal/event"
)

// HistoricalQuery mirrors the historical endpoint's query parameters.
type HistoricalQuery struct {
	ProjectID string
	TaskID    string
	Status    event.Status
	AgentName string
	ToolName  string
	Search    string
	Limit     int
	Offset    int
}

func (q HistoricalQuery) values() url.Values {
	v := url.Values{}
	if q.ProjectID != "" {
		v.Set("project_id", q.ProjectID)
	}
	if q.TaskID != "" {
		v.Set("task_id", q.TaskID)
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	if q.AgentName != "" {
		v.Set("agent_name", q.AgentName)
	}
	if q.ToolName != "" {
		v.Set("tool_name", q.ToolName)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	return v
}

// FetchHistorical pulls one page of the persisted event log and replaces
// the display buffer wholesale with the result. Returns the page and the
// total match count for pagination.
func (c *Consumer) FetchHistorical(ctx context.Context, q HistoricalQuery) ([]event.Event, int, error) {
	if c.cfg.BaseURL == "" {
		return nil, 0, fmt.Errorf("fetch historical: no base url configured")
	}
	reqURL := c.cfg.BaseURL + "/api/interactions"
	if params := q.values().Encode(); params != "" {
		reqURL += "?" + params
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch historical: %w", err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch historical: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch historical: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Interactions []event.Event `json:"interactions"`
		Total        int           `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("decode historical response: %w", err)
	}

	c.buffer.Replace(payload.Interactions)
	return payload.Interactions, payload.Total, nil
}
