package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hades/internal/mission"
	"hades/internal/taskmatrix"
)

func scanRun() Run {
	target := mission.Target{Type: mission.TargetMachine, Address: "10.0.0.5", Goals: []string{"scan"}}
	return Run{
		MissionID:   uuid.MustParse("7f1c8d9e-3b2a-4c5d-8e6f-0a1b2c3d4e5f"),
		MissionName: "t1",
		Target:      target,
		Goal:        "scan",
		Steps:       taskmatrix.Resolve(taskmatrix.Scenario{Address: "192.168.152.1"}, "scan", target),
	}
}

func TestDryRunHonorsTurnBounds(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var got []Report
	err := DryRun{Now: func() time.Time { return fixed }}.Execute(context.Background(), scanRun(), ReporterFunc(func(_ context.Context, r Report) error {
		got = append(got, r)
		return nil
	}))
	require.NoError(t, err)
	// briefing 1 turn, open ports 2, service versions 2
	require.Len(t, got, 5)
	assert.Equal(t, "planner", got[0].Sender)
	assert.Equal(t, "operator", got[0].Receiver)
	assert.Equal(t, "briefing", got[0].Step)
	assert.Equal(t, "operator", got[2].Sender)
	assert.Equal(t, "planner", got[2].Receiver)
	for _, r := range got {
		assert.Equal(t, TypeMessage, r.Type)
		assert.Equal(t, "7f1c8d9e-3b2a-4c5d-8e6f-0a1b2c3d4e5f", r.MissionID)
		assert.Equal(t, fixed, r.Timestamp)
		assert.Contains(t, r.Content, "10.0.0.5")
	}
}

func TestDryRunTurnCap(t *testing.T) {
	var n int
	err := DryRun{Turns: 1}.Execute(context.Background(), scanRun(), ReporterFunc(func(context.Context, Report) error {
		n++
		return nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDryRunStopsOnReporterError(t *testing.T) {
	boom := errors.New("broker down")
	err := DryRun{}.Execute(context.Background(), scanRun(), ReporterFunc(func(context.Context, Report) error { return boom }))
	assert.ErrorIs(t, err, boom)
}

func TestDryRunObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := DryRun{}.Execute(ctx, scanRun(), ReporterFunc(func(context.Context, Report) error { return nil }))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReportWireShape(t *testing.T) {
	r := Report{
		Type:      TypeMessage,
		Sender:    "operator",
		Receiver:  "planner",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ToolCalls: []ToolCall{{ID: "call_1", Name: "nmap", Arguments: json.RawMessage(`{"target":"10.0.0.5"}`)}},
	}
	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "agent.message",
		"sender": "operator",
		"receiver": "planner",
		"timestamp": "2024-05-01T12:00:00Z",
		"tool_calls": [{"id": "call_1", "name": "nmap", "arguments": {"target": "10.0.0.5"}}]
	}`, string(data))
}

func TestToolInvocationError(t *testing.T) {
	cause := errors.New("exit status 1")
	err := error(&ToolInvocationError{Step: "open_ports", Tool: "nmap", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "step open_ports: tool nmap: exit status 1", err.Error())
}
