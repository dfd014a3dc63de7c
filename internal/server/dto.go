package server

import (
	"encoding/json"
	"time"

	"hades/internal/domain"
	"hades/internal/mission"
)

// Response payloads

type SubmitResponse struct {
	ID string `json:"id" format:"uuid"`
}

type HealthResponse struct {
	Status   string `json:"status" enum:"ok,degraded"`
	Broker   string `json:"broker" enum:"connected,disconnected"`
	Relay    string `json:"relay" enum:"disconnected,connecting,connected,consuming,disabled"`
	Driver   string `json:"driver" enum:"disconnected,connecting,connected,consuming,disabled"`
	Sessions int    `json:"sessions"`
}

type MissionResponse struct {
	domain.MissionSummary
	Payload any `json:"payload"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func missionSummary(e mission.Entry, observers int) domain.MissionSummary {
	s := domain.MissionSummary{
		ID:          e.ID.String(),
		Name:        e.Name,
		Observers:   observers,
		SubmittedAt: e.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if m, err := mission.Parse(e.Payload); err == nil {
		s.Systems = len(m.Systems)
		for _, sys := range m.Systems {
			s.Targets += len(sys.Targets)
		}
	}
	if e.Binding != nil {
		s.RoutingKey = e.Binding.RoutingKey
		s.Queue = e.Binding.Queue
	}
	return s
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		MissionID:  e.MissionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
