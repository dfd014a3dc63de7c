package domain

// Event is one row of the mission journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// MissionSummary describes an accepted mission.
type MissionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Systems     int    `json:"systems"`
	Targets     int    `json:"targets"`
	Observers   int    `json:"observers"`
	RoutingKey  string `json:"routing_key,omitempty"`
	Queue       string `json:"queue,omitempty"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
	// Status is the type of the newest journal event, when journaling is on.
	Status      string `json:"status,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}
