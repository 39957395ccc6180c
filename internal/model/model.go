// Package model defines the durable record types shared by the control
// plane and the in-sandbox agent runtime: Sandbox, Request, Task, and
// Snapshot, plus their enum fields and the task segment/content shapes.
package model

import (
	"encoding/json"
	"time"
)

// SandboxState is the closed set of lifecycle states for a Sandbox.
type SandboxState string

const (
	SandboxInitializing SandboxState = "initializing"
	SandboxIdle         SandboxState = "idle"
	SandboxBusy          SandboxState = "busy"
	SandboxTerminating  SandboxState = "terminating"
	SandboxTerminated   SandboxState = "terminated"
	SandboxDeleted      SandboxState = "deleted"
)

// IsTerminal reports whether no further state transition is allowed except to deleted.
func (s SandboxState) IsTerminal() bool {
	return s == SandboxTerminated || s == SandboxDeleted
}

// Sandbox is a long-lived container managed by the platform.
type Sandbox struct {
	ID                 string
	CreatedBy          string
	State              SandboxState
	CreatedAt          time.Time
	LastActivityAt      time.Time
	IdleFrom           *time.Time
	BusyFrom           *time.Time
	ContextCutoffAt    *time.Time
	IdleTimeoutSeconds int
	LastContextLength  int
	SnapshotID         *string
	ParentSandboxID    *string
	Metadata           map[string]any
	Tags               []string
	RuntimeStats       RuntimeStats
}

// RuntimeStats is best-effort resource accounting for a sandbox container.
// Never required for correctness. The Store persists and loads these
// fields, but no code path fills them in (InspectHealth returns only a
// Health value), so they stay zero.
type RuntimeStats struct {
	CPUSeconds   float64 `json:"cpu_seconds,omitempty"`
	NetworkBytes int64   `json:"network_bytes,omitempty"`
}

// Clone returns a deep-enough copy for safe hand-off across goroutines.
func (s *Sandbox) Clone() *Sandbox {
	if s == nil {
		return nil
	}
	clone := *s
	if s.IdleFrom != nil {
		t := *s.IdleFrom
		clone.IdleFrom = &t
	}
	if s.BusyFrom != nil {
		t := *s.BusyFrom
		clone.BusyFrom = &t
	}
	if s.ContextCutoffAt != nil {
		t := *s.ContextCutoffAt
		clone.ContextCutoffAt = &t
	}
	if s.SnapshotID != nil {
		v := *s.SnapshotID
		clone.SnapshotID = &v
	}
	if s.ParentSandboxID != nil {
		v := *s.ParentSandboxID
		clone.ParentSandboxID = &v
	}
	if s.Metadata != nil {
		m := make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			m[k] = v
		}
		clone.Metadata = m
	}
	if s.Tags != nil {
		clone.Tags = append([]string(nil), s.Tags...)
	}
	return &clone
}

// RequestType is the closed set of request kinds the Request Worker dispatches on.
type RequestType string

const (
	RequestCreateSandbox   RequestType = "create_sandbox"
	RequestTerminateSandbox RequestType = "terminate_sandbox"
	RequestCreateSnapshot  RequestType = "create_snapshot"
	RequestExecuteCommand  RequestType = "execute_command"
	RequestCreateTask      RequestType = "create_task"
	RequestFileRead        RequestType = "file_read"
	RequestFileMetadata    RequestType = "file_metadata"
	RequestFileList        RequestType = "file_list"
	RequestFileDelete      RequestType = "file_delete"
)

// RequestStatus tracks a Request row through claim-and-own processing.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Request is a durable command against a sandbox.
type Request struct {
	ID          string
	SandboxID   string
	Type        RequestType
	Status      RequestStatus
	CreatedBy   string
	Payload     json.RawMessage
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskType distinguishes LLM-driven work from a direct command.
type TaskType string

const (
	TaskNL  TaskType = "NL"
	TaskRaw TaskType = "raw"
)

// TaskStatus tracks a Task row through the Agent Loop.
type TaskStatus string

const (
	TaskQueued     TaskStatus = "queued"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further status/segment writes are allowed
// (except an idempotent cancelled append racing the reconciler, §5).
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled || s == TaskFailed
}

// ContentItem is a single typed content entry in Task input/output.
type ContentItem struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Title   string `json:"title,omitempty"`
}

// TaskInput wraps the ordered content items supplied at task creation.
type TaskInput struct {
	Content []ContentItem `json:"content"`
}

// SegmentType is the closed set of task progress segment kinds.
type SegmentType string

const (
	SegmentCommentary      SegmentType = "commentary"
	SegmentToolCall        SegmentType = "tool_call"
	SegmentToolCallInvalid SegmentType = "tool_call_invalid"
	SegmentToolResult      SegmentType = "tool_result"
	SegmentNote            SegmentType = "note"
	SegmentCancelled       SegmentType = "cancelled"
	SegmentFinal           SegmentType = "final"
	SegmentCompactSummary  SegmentType = "compact_summary"
)

// Segment is a single ordered, append-only record in a Task's progress log.
type Segment struct {
	Type          SegmentType `json:"type"`
	Channel       string      `json:"channel,omitempty"`
	Text          string      `json:"text,omitempty"`
	Tool          string      `json:"tool,omitempty"`
	Args          any         `json:"args,omitempty"`
	Output        any         `json:"output,omitempty"`
	Level         string      `json:"level,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	At            *time.Time  `json:"at,omitempty"`
	RuntimeSeconds *float64   `json:"runtime_seconds,omitempty"`
	Content       any         `json:"content,omitempty"`
}

// Task is a unit of LLM work owned by exactly one sandbox.
type Task struct {
	ID             string
	SandboxID      string
	CreatedBy      string
	Status         TaskStatus
	Type           TaskType
	Input          TaskInput
	Segments       []Segment
	Output         []ContentItem
	TimeoutSeconds *int
	TimeoutAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Snapshot is an immutable tar-level copy of a sandbox's working directory.
type Snapshot struct {
	ID          string
	SandboxID   string
	TriggerType string
	Metadata    map[string]any
	CreatedAt   time.Time
}
