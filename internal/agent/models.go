// internal/agent/models.go
package agent

import (
	"time"

	"github.com/xkilldash9x/airport/api/schemas"
)

// RunStatus is the loop's coarse state.
type RunStatus string

const (
	StatusRunning      RunStatus = "RUNNING"
	StatusAwaitingUser RunStatus = "AWAITING_USER"
	StatusDone         RunStatus = "DONE"
)

// OutcomeKind distinguishes how a run ended. Exactly one applies per run.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeFailure         OutcomeKind = "failure"
	OutcomeBudgetExhausted OutcomeKind = "budget_exhausted"
	OutcomeError           OutcomeKind = "error"
)

// Final result strings used when the oracle does not supply its own.
const (
	DefaultDoneResult   = "Task completed"
	DefaultFailReason   = "Failed to complete task"
	BudgetExhaustedText = "Max steps reached without completing goal"
	StoppedText         = "Stopped by user"
)

// EntryRole tags a ledger entry.
type EntryRole string

const (
	RoleStep         EntryRole = "step"
	RoleIntervention EntryRole = "user_intervention"
)

// HistoryEntry is either a step record (Decision set, Outcome filled in
// after Act) or an intervention record carrying a human reply.
type HistoryEntry struct {
	Step       int               `json:"step"`
	Timestamp  time.Time         `json:"timestamp"`
	Role       EntryRole         `json:"role"`
	Screenshot string            `json:"screenshot,omitempty"`
	Decision   *schemas.Decision `json:"decision,omitempty"`
	Outcome    *string           `json:"action_result,omitempty"`
	Response   *string           `json:"response,omitempty"`
}

// IsStep reports whether the entry is a step record.
func (h HistoryEntry) IsStep() bool { return h.Role == RoleStep }

// clone returns a deep copy so readers never share mutable state with the ledger.
func (h HistoryEntry) clone() HistoryEntry {
	c := h
	if h.Decision != nil {
		d := *h.Decision
		d.Params = h.Decision.Params.Clone()
		c.Decision = &d
	}
	if h.Outcome != nil {
		o := *h.Outcome
		c.Outcome = &o
	}
	if h.Response != nil {
		r := *h.Response
		c.Response = &r
	}
	return c
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Kind        OutcomeKind    `json:"kind"`
	Success     bool           `json:"success"`
	StepsTaken  int            `json:"steps_taken"`
	History     []HistoryEntry `json:"history"`
	FinalResult string         `json:"final_result"`
	VideoPath   string         `json:"video_path,omitempty"`
}

// RunSnapshot is a consistent, read-only copy of a loop's state.
type RunSnapshot struct {
	Goal             string              `json:"goal"`
	Status           RunStatus           `json:"status"`
	Question         string              `json:"question,omitempty"`
	StepCount        int                 `json:"step_count"`
	MaxSteps         int                 `json:"max_steps"`
	Mode             schemas.SurfaceMode `json:"mode"`
	LatestScreenshot string              `json:"latest_screenshot,omitempty"`
	History          []HistoryEntry      `json:"history"`
	Collected        map[string]string   `json:"collected"`
	Outcome          *Outcome            `json:"outcome,omitempty"`
}

// Running reports whether the loop has not yet terminated.
func (s RunSnapshot) Running() bool { return s.Status != StatusDone }

// AwaitingUser reports whether the loop is suspended on a question.
func (s RunSnapshot) AwaitingUser() bool { return s.Status == StatusAwaitingUser }

// Hooks are optional callbacks fired from the loop goroutine. They must not
// block for long; the loop waits for them to return.
type Hooks struct {
	// OnStep fires once per Think phase, after the step is in the ledger.
	OnStep func(schemas.StepEvent)
	// OnAwaiting fires when the loop suspends on an ask_user question.
	OnAwaiting func(step int, question string)
	// OnActed fires after the executor produced an outcome.
	OnActed func(step int, action schemas.ActionKind, outcome string)
}
