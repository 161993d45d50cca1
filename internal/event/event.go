package event

import (
	"fmt"
	"strings"
	"time"
)

// Type discriminates interaction events on the wire. Control messages on the
// live channel use their own reserved type strings; see wire.go.
type Type string

const (
	TypeCrewStart     Type = "crew_start"
	TypeCrewComplete  Type = "crew_complete"
	TypeAgentStart    Type = "agent_start"
	TypeAgentComplete Type = "agent_complete"
	TypeToolCall      Type = "tool_call"
	TypeToolResponse  Type = "tool_response"
	TypeReasoningStep Type = "reasoning_step"
	TypeError         Type = "error"
	TypeRetry         Type = "retry"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status ends a task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AgentDetail carries the agent-specific payload of agent_start and
// agent_complete events.
type AgentDetail struct {
	Name       string `json:"name"`
	Role       string `json:"role,omitempty"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ToolDetail carries the tool-specific payload of tool_call and
// tool_response events.
type ToolDetail struct {
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

type ReasoningDetail struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used,omitempty"`
}

// FailureDetail carries the payload of error and retry events. Attempt is
// the 1-based retry counter and only set on retries.
type FailureDetail struct {
	ErrorMessage string `json:"error_message"`
	Attempt      int    `json:"attempt,omitempty"`
}

// Event is one observable step of agent/tool execution. Events are immutable
// once emitted: a completion is a new event, never a mutation of the start
// event. Exactly one detail variant is set, determined by Type; the variants
// encode flat into the JSON object so consumers can discriminate on "type"
// alone.
type Event struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	TaskID         string    `json:"task_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ParentID       string    `json:"parent_id,omitempty"`
	Sequence       int64     `json:"sequence"`
	Type           Type      `json:"type"`
	Status         Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Message        string    `json:"message,omitempty"`

	Agent     *AgentDetail     `json:"agent,omitempty"`
	Tool      *ToolDetail      `json:"tool,omitempty"`
	Reasoning *ReasoningDetail `json:"reasoning,omitempty"`
	Failure   *FailureDetail   `json:"failure,omitempty"`
}

// AgentName returns the agent name if the event carries one.
func (e Event) AgentName() string {
	if e.Agent != nil {
		return e.Agent.Name
	}
	return ""
}

// ToolName returns the tool name if the event carries one.
func (e Event) ToolName() string {
	if e.Tool != nil {
		return e.Tool.Name
	}
	return ""
}

func knownType(t Type) bool {
	switch t {
	case TypeCrewStart, TypeCrewComplete, TypeAgentStart, TypeAgentComplete,
		TypeToolCall, TypeToolResponse, TypeReasoningStep, TypeError, TypeRetry:
		return true
	}
	return false
}

func knownStatus(s Status) bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled:
		return true
	}
	return false
}

// Validate checks that an externally supplied event is well formed: required
// identifiers present, type and status from the known sets, sequence
// positive, and the detail variant matching the type. It does not check the
// cross-event invariants (sequence monotonicity, parent ordering); those are
// enforced by the source adapter which owns sequence allocation.
func Validate(e Event) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if strings.TrimSpace(e.TaskID) == "" {
		return fmt.Errorf("task_id is required")
	}
	if strings.TrimSpace(e.ProjectID) == "" {
		return fmt.Errorf("project_id is required")
	}
	if e.Sequence <= 0 {
		return fmt.Errorf("sequence must be positive, got %d", e.Sequence)
	}
	if !knownType(e.Type) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if !knownStatus(e.Status) {
		return fmt.Errorf("unknown event status %q", e.Status)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return validateDetail(e)
}

func validateDetail(e Event) error {
	switch e.Type {
	case TypeAgentStart, TypeAgentComplete:
		if e.Agent == nil || e.Agent.Name == "" {
			return fmt.Errorf("%s event requires an agent detail with a name", e.Type)
		}
	case TypeToolCall, TypeToolResponse:
		if e.Tool == nil || e.Tool.Name == "" {
			return fmt.Errorf("%s event requires a tool detail with a name", e.Type)
		}
	case TypeReasoningStep:
		if e.Reasoning == nil || e.Reasoning.Text == "" {
			return fmt.Errorf("reasoning_step event requires reasoning text")
		}
	case TypeError, TypeRetry:
		if e.Failure == nil || e.Failure.ErrorMessage == "" {
			return fmt.Errorf("%s event requires a failure detail with an error message", e.Type)
		}
	}
	return nil
}

// CheckParent enforces the parent ordering invariant: a parent reference must
// point at an event of the same task with a smaller sequence number.
func CheckParent(child Event, parent Event) error {
	if child.ParentID == "" {
		return nil
	}
	if parent.ID != child.ParentID {
		return fmt.Errorf("parent %s does not match reference %s", parent.ID, child.ParentID)
	}
	if parent.TaskID != child.TaskID {
		return fmt.Errorf("parent %s belongs to task %s, child to %s", parent.ID, parent.TaskID, child.TaskID)
	}
	if parent.Sequence >= child.Sequence {
		return fmt.Errorf("parent sequence %d is not before child sequence %d", parent.Sequence, child.Sequence)
	}
	return nil
}
