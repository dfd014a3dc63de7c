// Package agent defines the boundary to the agent-conversation engine that
// executes a StepList, and the report events it emits.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hades/internal/mission"
	"hades/internal/taskmatrix"
)

// Report event types.
const (
	TypeMessage         = "agent.message"
	TypeMissionStarted  = "mission.started"
	TypeMissionFinished = "mission.finished"
	TypeSystemAborted   = "system.aborted"
	TypeTargetSkipped   = "target.skipped"
	TypeStepFailed      = "step.failed"
)

// Report is one event published to observers of a mission.
type Report struct {
	Type      string     `json:"type"`
	MissionID string     `json:"mission_id,omitempty"`
	Sender    string     `json:"sender"`
	Receiver  string     `json:"receiver"`
	Timestamp time.Time  `json:"timestamp"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Step      string     `json:"step,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Reporter receives report events while a run progresses.
type Reporter interface {
	Report(ctx context.Context, r Report) error
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, r Report) error

func (f ReporterFunc) Report(ctx context.Context, r Report) error { return f(ctx, r) }

// Run is the unit of work handed to an Executor: one goal against one target.
type Run struct {
	MissionID   uuid.UUID
	MissionName string
	System      int
	Target      mission.Target
	Goal        string
	Steps       taskmatrix.StepList
}

// Executor walks a StepList in order, honoring each step's turn bound.
type Executor interface {
	Execute(ctx context.Context, run Run, reports Reporter) error
}

// ToolInvocationError reports a failed tool call inside a step. The step is
// marked failed and the mission continues.
type ToolInvocationError struct {
	Step string
	Tool string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("step %s: tool %s: %v", e.Step, e.Tool, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }
