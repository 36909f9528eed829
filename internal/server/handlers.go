// File: internal/server/handlers.go
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/flight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps request bodies on the control API.
const maxBodyBytes = 64 << 10

// Handlers serves the run-control and flight-history API.
type Handlers struct {
	log     *zap.Logger
	runs    RunController
	flights FlightStore
}

// NewHandlers creates a new Handlers instance. flights may be nil, in which
// case the history endpoints report 503.
func NewHandlers(logger *zap.Logger, runs RunController, flights FlightStore) *Handlers {
	return &Handlers{
		log:     logger.Named("handlers"),
		runs:    runs,
		flights: flights,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/react", h.HandleStart)
		r.Get("/react/status", h.HandleStatus)
		r.Post("/react/resume", h.HandleResume)
		r.Post("/react/stop", h.HandleStop)
		r.Post("/remote/click", h.HandleRemoteClick)

		r.Get("/flights", h.HandleListFlights)
		r.Get("/flights/{flightID}", h.HandleGetFlight)
		r.Get("/logs", h.HandleLogs)
	})
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleStart starts a run for the posted goal.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		h.respondWithError(w, http.StatusBadRequest, "Goal is required.")
		return
	}
	if req.MaxSteps < 0 {
		h.respondWithError(w, http.StatusBadRequest, "max_steps must not be negative.")
		return
	}

	info, err := h.runs.Start(req.Goal, req.MaxSteps)
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.log.Info("Run accepted", zap.String("run_id", info.RunID), zap.String("goal", info.Goal))
	h.respondWithStatus(w, http.StatusAccepted, "accepted", StartResponse{
		Message:  "ReAct Agent started",
		RunID:    info.RunID,
		FlightID: info.FlightID,
		Goal:     info.Goal,
		MaxSteps: info.MaxSteps,
	})
}

// HandleStatus reports on ?run_id=, or on the current run.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.runs.Status(r.URL.Query().Get("run_id"))
	if err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, st)
}

// HandleResume delivers a reply to a run awaiting the user.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	var req ResumeRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.runs.Resume(req.RunID, req.Response); err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"message": "Agent resumed"})
}

// HandleStop requests termination of a run. The body is optional.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &req); err != nil {
			h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
	}
	if err := h.runs.Stop(req.RunID); err != nil {
		h.respondWithRunError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"message": "Stop signal sent"})
}

// HandleRemoteClick queues a viewport click on the current run.
func (h *Handlers) HandleRemoteClick(w http.ResponseWriter, r *http.Request) {
	var req ClickRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.X == nil || req.Y == nil {
		h.respondWithError(w, http.StatusBadRequest, "Both x and y are required.")
		return
	}
	if err := h.runs.RemoteClick(*req.X, *req.Y); err != nil {
		if errors.Is(err, agent.ErrNoActiveRun) {
			h.respondWithError(w, http.StatusBadRequest, "No active browser session")
			return
		}
		h.respondWithRunError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"message": "Click queued"})
}

// HandleListFlights lists recorded flights, newest first.
func (h *Handlers) HandleListFlights(w http.ResponseWriter, r *http.Request) {
	if h.flights == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Flight history is unavailable.")
		return
	}
	flights, err := h.flights.List()
	if err != nil {
		h.log.Error("Failed to list flights", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error listing flights.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]interface{}{
		"count":   len(flights),
		"flights": flights,
	})
}

// HandleGetFlight returns one flight's metadata and events.
func (h *Handlers) HandleGetFlight(w http.ResponseWriter, r *http.Request) {
	if h.flights == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Flight history is unavailable.")
		return
	}
	id := chi.URLParam(r, "flightID")
	meta, events, err := h.flights.Load(id)
	if err != nil {
		if errors.Is(err, flight.ErrFlightNotFound) {
			h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("Flight %s not found.", id))
			return
		}
		h.log.Error("Failed to load flight", zap.String("flight_id", id), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "Internal error loading flight.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, FlightDetail{Metadata: meta, Logs: events})
}

// HandleLogs renders the latest flight's events as text.
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	if h.flights == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Flight history is unavailable.")
		return
	}
	latest, err := h.flights.Latest()
	if errors.Is(err, flight.ErrFlightNotFound) {
		h.respondWithSuccess(w, http.StatusOK, map[string]string{"logs": "No logs yet."})
		return
	}
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Internal error reading logs.")
		return
	}
	_, events, err := h.flights.Load(latest.FlightID)
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Internal error reading logs.")
		return
	}

	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "[%s] %s: %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Details)
	}
	h.respondWithSuccess(w, http.StatusOK, map[string]string{
		"flight_id": latest.FlightID,
		"logs":      b.String(),
	})
}

// respondWithRunError maps run-control sentinel errors to HTTP statuses.
func (h *Handlers) respondWithRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrRunActive):
		h.respondWithError(w, http.StatusConflict, err.Error())
	case errors.Is(err, agent.ErrRunNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrNotAwaitingUser), errors.Is(err, agent.ErrNoActiveRun):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("Run control request failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", map[string]string{"error": message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := CommandResponse{Status: status}

	if errMap, ok := data.(map[string]string); ok && status == "error" {
		resp.Error = errMap["error"]
	} else {
		resp.Data = data
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
