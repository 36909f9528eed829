package schemas

import "time"

// EventType tags an entry in a flight's black box.
type EventType string

const (
	EventVision  EventType = "VISION"
	EventThought EventType = "THOUGHT"
	EventAction  EventType = "ACTION"
	EventSystem  EventType = "SYSTEM"
	EventReact   EventType = "REACT"
	EventError   EventType = "ERROR"
	EventVideo   EventType = "VIDEO"
)

// FlightStatus is the lifecycle state recorded in a flight's metadata.
type FlightStatus string

const (
	FlightInProgress FlightStatus = "IN_PROGRESS"
	FlightCompleted  FlightStatus = "COMPLETED"
	FlightFailed     FlightStatus = "FAILED"
	FlightCrashed    FlightStatus = "CRASHED"
)

// FlightMetadata is persisted as metadata.json in each flight directory.
type FlightMetadata struct {
	FlightID  string       `json:"flight_id"`
	StartTime time.Time    `json:"start_time"`
	EndTime   *time.Time   `json:"end_time,omitempty"`
	Status    FlightStatus `json:"status"`
	Mission   string       `json:"mission"`
}

// FlightEvent is one line of blackbox.jsonl.
type FlightEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Details   string    `json:"details"`
}

// StepEvent is the per-step payload published to status readers, the
// flight recorder, and live subscribers.
type StepEvent struct {
	RunID       string      `json:"run_id,omitempty"`
	Step        int         `json:"step"`
	Observation string      `json:"observation"`
	Reasoning   string      `json:"reasoning"`
	Action      ActionKind  `json:"action"`
	Params      Params      `json:"params"`
	Screenshot  string      `json:"screenshot,omitempty"`
	Mode        SurfaceMode `json:"mode,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}
