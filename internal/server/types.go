// File: internal/server/types.go
package server

import (
	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/service"
)

// RunController is the run-control surface the HTTP and websocket handlers
// drive. *service.RunManager satisfies it.
type RunController interface {
	Start(goal string, maxSteps int) (service.RunInfo, error)
	Status(runID string) (service.Status, error)
	Resume(runID, reply string) error
	Stop(runID string) error
	RemoteClick(x, y float64) error
	Subscribe(fn func(service.Event)) func()
}

// FlightStore reads recorded flights. *flight.Recorder satisfies it.
type FlightStore interface {
	List() ([]schemas.FlightMetadata, error)
	Latest() (schemas.FlightMetadata, error)
	Load(id string) (schemas.FlightMetadata, []schemas.FlightEvent, error)
}

// CommandResponse is the envelope of every JSON response.
type CommandResponse struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// StartRequest starts a run.
type StartRequest struct {
	Goal string `json:"goal"`
	// MaxSteps of zero selects the server default.
	MaxSteps int `json:"max_steps,omitempty"`
}

// ResumeRequest answers a pending ask_user question.
type ResumeRequest struct {
	RunID    string `json:"run_id,omitempty"`
	Response string `json:"response"`
}

// StopRequest stops a run. An empty RunID targets the current run.
type StopRequest struct {
	RunID string `json:"run_id,omitempty"`
}

// ClickRequest is a click on the live viewport.
type ClickRequest struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
}

// StartResponse acknowledges a started run.
type StartResponse struct {
	Message  string `json:"message"`
	RunID    string `json:"run_id"`
	FlightID string `json:"flight_id"`
	Goal     string `json:"goal"`
	MaxSteps int    `json:"max_steps"`
}

// FlightDetail is a flight's metadata with its event log.
type FlightDetail struct {
	Metadata schemas.FlightMetadata `json:"metadata"`
	Logs     []schemas.FlightEvent  `json:"logs"`
}
