// File: internal/service/manager.go
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/flight"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StaticResultsPrefix is the URL prefix under which the results root is
// served.
const StaticResultsPrefix = "/static/results/"

// maxRetainedRuns bounds how many finished runs stay queryable.
const maxRetainedRuns = 32

// Event types published to listeners.
const (
	EventStep     = "step"
	EventAwaiting = "awaiting_user"
	EventActed    = "acted"
	EventFinished = "finished"
)

// Event is a run progress notification.
type Event struct {
	Type      string             `json:"type"`
	RunID     string             `json:"run_id"`
	Step      *schemas.StepEvent `json:"step,omitempty"`
	StepIndex int                `json:"step_index,omitempty"`
	Question  string             `json:"question,omitempty"`
	Action    schemas.ActionKind `json:"action,omitempty"`
	Outcome   string             `json:"outcome,omitempty"`
	Status    *Status            `json:"status,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// RunInfo identifies a started run.
type RunInfo struct {
	RunID    string `json:"run_id"`
	FlightID string `json:"flight_id"`
	Goal     string `json:"goal"`
	MaxSteps int    `json:"max_steps"`
}

// StepView is one history entry as presented to status readers.
type StepView struct {
	Step        int                `json:"step"`
	Role        agent.EntryRole    `json:"role"`
	Timestamp   time.Time          `json:"timestamp"`
	Observation string             `json:"observation,omitempty"`
	Reasoning   string             `json:"reasoning,omitempty"`
	Action      schemas.ActionKind `json:"action,omitempty"`
	Params      schemas.Params     `json:"params,omitempty"`
	Result      string             `json:"action_result,omitempty"`
	Response    string             `json:"response,omitempty"`
	Screenshot  string             `json:"screenshot,omitempty"`
}

// Status is the externally visible state of a run.
type Status struct {
	RunID        string              `json:"run_id"`
	FlightID     string              `json:"flight_id"`
	Goal         string              `json:"goal"`
	Running      bool                `json:"running"`
	AwaitingUser bool                `json:"awaiting_user"`
	Question     string              `json:"question"`
	Steps        []StepView          `json:"steps"`
	StepCount    int                 `json:"step_count"`
	MaxSteps     int                 `json:"max_steps"`
	Mode         schemas.SurfaceMode `json:"mode"`
	Result       string              `json:"result,omitempty"`
	Outcome      agent.OutcomeKind   `json:"outcome,omitempty"`
	Success      bool                `json:"success"`
	Screenshot   string              `json:"screenshot,omitempty"`
	Collected    map[string]string   `json:"collected,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type run struct {
	info    RunInfo
	started time.Time
	done    chan struct{}

	mu            sync.Mutex
	loop          *agent.Loop
	stopRequested bool
	crash         string
}

func (r *run) getLoop() *agent.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loop
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// RunManager owns the runs started through the control surface. At most
// one run is active at a time.
type RunManager struct {
	cfg      config.Interface
	factory  RunFactory
	recorder *flight.Recorder
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	current   *run
	runs      map[string]*run
	order     []string
	listeners map[int]func(Event)
	nextLsn   int
}

// NewRunManager creates a manager. recorder may be nil, which disables
// flight logging.
func NewRunManager(cfg config.Interface, factory RunFactory, recorder *flight.Recorder, logger *zap.Logger) *RunManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		cfg:       cfg,
		factory:   factory,
		recorder:  recorder,
		logger:    logger.Named("run_manager"),
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[string]*run),
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every run event. The returned func removes it.
// fn is called synchronously from the run goroutine and must not block.
func (m *RunManager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextLsn
	m.nextLsn++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Start launches a run for goal. A non-positive maxSteps selects the
// server default.
func (m *RunManager) Start(goal string, maxSteps int) (RunInfo, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return RunInfo{}, fmt.Errorf("goal is required")
	}
	if maxSteps <= 0 {
		maxSteps = m.cfg.Server().DefaultMaxSteps
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.baseCtx.Err(); err != nil {
		return RunInfo{}, fmt.Errorf("run manager is shut down")
	}
	if m.current != nil && !m.current.finished() {
		return RunInfo{}, agent.ErrRunActive
	}

	info := RunInfo{RunID: uuid.NewString(), Goal: goal, MaxSteps: maxSteps}
	if m.recorder != nil {
		id, err := m.recorder.StartFlight(goal)
		if err != nil {
			return RunInfo{}, fmt.Errorf("failed to start flight: %w", err)
		}
		info.FlightID = id
	}

	r := &run{info: info, started: time.Now(), done: make(chan struct{})}
	m.current = r
	m.runs[info.RunID] = r
	m.order = append(m.order, info.RunID)
	m.trimLocked()

	m.logger.Info("Run started",
		zap.String("run_id", info.RunID),
		zap.String("flight_id", info.FlightID),
		zap.String("goal", goal),
		zap.Int("max_steps", maxSteps))

	m.wg.Add(1)
	go m.execute(r)
	return info, nil
}

// Status reports on runID, or on the current (else most recent) run when
// runID is empty. With no runs at all it returns an idle status.
func (m *RunManager) Status(runID string) (Status, error) {
	r, err := m.lookup(runID)
	if err != nil {
		if runID == "" && errors.Is(err, agent.ErrNoActiveRun) {
			return Status{Steps: []StepView{}, Mode: schemas.ModeWeb}, nil
		}
		return Status{}, err
	}
	return m.statusOf(r), nil
}

// Resume delivers reply to a run awaiting the user.
func (m *RunManager) Resume(runID, reply string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	loop := r.getLoop()
	if loop == nil || r.finished() {
		return agent.ErrNotAwaitingUser
	}
	if err := loop.Resume(reply); err != nil {
		return err
	}
	m.log(r, schemas.EventSystem, fmt.Sprintf("User replied: %s", reply))
	return nil
}

// Stop requests termination of the run. Stopping a finished run is a no-op.
func (m *RunManager) Stop(runID string) error {
	r, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if r.finished() {
		return nil
	}
	r.mu.Lock()
	r.stopRequested = true
	loop := r.loop
	r.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
	m.logger.Info("Stop requested", zap.String("run_id", r.info.RunID))
	return nil
}

// RemoteClick queues a click on the current run.
func (m *RunManager) RemoteClick(x, y float64) error {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r == nil || r.finished() {
		return agent.ErrNoActiveRun
	}
	loop := r.getLoop()
	if loop == nil {
		return fmt.Errorf("%w: run is still starting", agent.ErrNoActiveRun)
	}
	return loop.RemoteClick(x, y)
}

// Done returns a channel closed when the run ends.
func (m *RunManager) Done(runID string) (<-chan struct{}, error) {
	r, err := m.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.done, nil
}

// Outcome returns the terminal outcome of a finished run.
func (m *RunManager) Outcome(runID string) (agent.Outcome, bool) {
	r, err := m.lookup(runID)
	if err != nil || !r.finished() {
		return agent.Outcome{}, false
	}
	if loop := r.getLoop(); loop != nil {
		if snap := loop.Snapshot(); snap.Outcome != nil {
			return *snap.Outcome, true
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return agent.Outcome{Kind: agent.OutcomeError, FinalResult: r.crash}, true
}

// Shutdown stops the active run and waits for it to end. When ctx expires
// first the run's context is cancelled.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	r := m.current
	m.mu.Unlock()
	if r != nil {
		_ = m.Stop(r.info.RunID)
	}

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	defer m.cancel()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		m.cancel()
		<-finished
		return ctx.Err()
	}
}

func (m *RunManager) lookup(runID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if runID == "" {
		if m.current == nil {
			return nil, agent.ErrNoActiveRun
		}
		return m.current, nil
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrRunNotFound, runID)
	}
	return r, nil
}

// trimLocked forgets the oldest finished runs beyond the retention limit.
func (m *RunManager) trimLocked() {
	for len(m.order) > maxRetainedRuns {
		id := m.order[0]
		if r := m.runs[id]; r != nil && !r.finished() {
			return
		}
		delete(m.runs, id)
		m.order = m.order[1:]
	}
}

func (m *RunManager) execute(r *run) {
	defer m.wg.Done()
	defer close(r.done)
	logger := m.logger.With(zap.String("run_id", r.info.RunID))

	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprintf("%v", p)
			logger.Error("Run crashed", zap.String("panic", msg), zap.ByteString("stack", debug.Stack()))
			m.crash(r, msg, schemas.FlightCrashed)
		}
	}()

	m.log(r, schemas.EventSystem, fmt.Sprintf("ReAct Agent started with goal: %s", r.info.Goal))

	comps, err := m.factory.NewRun(m.baseCtx, r.info.Goal)
	if err != nil {
		logger.Error("Failed to initialize run", zap.Error(err))
		m.crash(r, err.Error(), schemas.FlightCrashed)
		return
	}
	defer comps.Shutdown()

	cfg := m.cfg
	results := cfg.Results()
	exec := agent.NewExecutor(m.logger, comps.Web, comps.Desktop, agent.ExecutorConfig{
		Results:    results,
		Terminal:   cfg.Terminal(),
		LaunchWait: cfg.Desktop().LaunchWait,
	}, comps.Runner)

	loop := agent.NewLoop(m.logger, cfg.Agent(), agent.LoopDeps{
		Oracle:               comps.Oracle,
		Executor:             exec,
		Web:                  comps.Web,
		Desktop:              comps.Desktop,
		Hooks:                m.hooks(r),
		ScreenshotDir:        results.ScreenshotsDir(),
		DesktopScreenshotDir: cfg.Desktop().ScreenshotDir,
	}, r.info.Goal, r.info.MaxSteps)

	r.mu.Lock()
	r.loop = loop
	stop := r.stopRequested
	r.mu.Unlock()
	if stop {
		loop.Stop()
	}

	outcome := loop.Run(m.baseCtx)

	m.log(r, schemas.EventSystem, fmt.Sprintf("ReAct finished: %s", outcome.FinalResult))
	if outcome.VideoPath != "" {
		m.log(r, schemas.EventVideo, outcome.VideoPath)
	}
	status := schemas.FlightFailed
	if outcome.Success {
		status = schemas.FlightCompleted
	}
	m.endFlight(r, status)

	logger.Info("Run finished",
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("steps_taken", outcome.StepsTaken),
		zap.String("final_result", outcome.FinalResult))
	m.publishFinished(r)
}

// crash records a run that ended outside the loop.
func (m *RunManager) crash(r *run, msg string, status schemas.FlightStatus) {
	r.mu.Lock()
	r.crash = fmt.Sprintf("Error: %s", msg)
	r.mu.Unlock()
	m.log(r, schemas.EventError, msg)
	m.endFlight(r, status)
	m.publishFinished(r)
}

func (m *RunManager) publishFinished(r *run) {
	// done is closed after this returns, so report the terminal state directly.
	st := m.statusOf(r)
	st.Running = false
	st.AwaitingUser = false
	m.publish(Event{Type: EventFinished, RunID: r.info.RunID, Outcome: st.Result, Status: &st})
}

func (m *RunManager) hooks(r *run) agent.Hooks {
	return agent.Hooks{
		OnStep: func(ev schemas.StepEvent) {
			ev.RunID = r.info.RunID
			if data, err := json.Marshal(ev); err == nil {
				m.log(r, schemas.EventReact, string(data))
			}
			ev.Screenshot = m.publicPath(ev.Screenshot)
			m.publish(Event{Type: EventStep, RunID: r.info.RunID, Step: &ev, StepIndex: ev.Step})
		},
		OnAwaiting: func(step int, question string) {
			m.log(r, schemas.EventSystem, fmt.Sprintf("Awaiting user: %s", question))
			m.publish(Event{Type: EventAwaiting, RunID: r.info.RunID, StepIndex: step, Question: question})
		},
		OnActed: func(step int, action schemas.ActionKind, outcome string) {
			m.log(r, schemas.EventAction, fmt.Sprintf("%s: %s", action, outcome))
			m.publish(Event{Type: EventActed, RunID: r.info.RunID, StepIndex: step, Action: action, Outcome: outcome})
		},
	}
}

func (m *RunManager) publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (m *RunManager) log(r *run, typ schemas.EventType, details string) {
	if m.recorder == nil || r.info.FlightID == "" {
		return
	}
	if err := m.recorder.Log(r.info.FlightID, typ, details); err != nil {
		m.logger.Warn("Failed to record flight event", zap.String("flight_id", r.info.FlightID), zap.Error(err))
	}
}

func (m *RunManager) endFlight(r *run, status schemas.FlightStatus) {
	if m.recorder == nil || r.info.FlightID == "" {
		return
	}
	if err := m.recorder.EndFlight(r.info.FlightID, status); err != nil {
		m.logger.Warn("Failed to end flight", zap.String("flight_id", r.info.FlightID), zap.Error(err))
	}
}

func (m *RunManager) statusOf(r *run) Status {
	st := Status{
		RunID:    r.info.RunID,
		FlightID: r.info.FlightID,
		Goal:     r.info.Goal,
		Running:  !r.finished(),
		MaxSteps: r.info.MaxSteps,
		Mode:     schemas.ModeWeb,
		Steps:    []StepView{},
	}

	r.mu.Lock()
	loop, crash := r.loop, r.crash
	r.mu.Unlock()

	if loop == nil {
		if crash != "" {
			st.Running = false
			st.Result = crash
			st.Error = crash
			st.Outcome = agent.OutcomeError
		}
		return st
	}

	snap := loop.Snapshot()
	st.AwaitingUser = snap.AwaitingUser()
	st.Question = snap.Question
	st.StepCount = snap.StepCount
	st.MaxSteps = snap.MaxSteps
	st.Mode = snap.Mode
	st.Collected = snap.Collected
	if snap.Outcome != nil {
		st.Result = snap.Outcome.FinalResult
		st.Outcome = snap.Outcome.Kind
		st.Success = snap.Outcome.Success
	}
	if crash != "" {
		st.Error = crash
	}

	for _, h := range snap.History {
		v := StepView{
			Step:       h.Step,
			Role:       h.Role,
			Timestamp:  h.Timestamp,
			Screenshot: m.publicPath(h.Screenshot),
		}
		if h.Decision != nil {
			v.Observation = h.Decision.Observation
			v.Reasoning = h.Decision.Reasoning
			v.Action = h.Decision.Action
			v.Params = h.Decision.Params
			if h.Decision.Action == schemas.ActionAskUser && st.Question == "" && st.AwaitingUser {
				st.Question = h.Decision.Params.String("question", "")
			}
		}
		if h.Outcome != nil {
			v.Result = *h.Outcome
		}
		if h.Response != nil {
			v.Response = *h.Response
		}
		if v.Screenshot != "" {
			st.Screenshot = v.Screenshot
		}
		st.Steps = append(st.Steps, v)
	}
	return st
}

// publicPath rewrites a file under the results root to its static URL.
// Paths outside the root are returned unchanged.
func (m *RunManager) publicPath(path string) string {
	return PublicPath(m.cfg.Results().Root, path)
}

// PublicPath maps path, a file under root, to its URL under
// StaticResultsPrefix.
func PublicPath(root, path string) string {
	if path == "" || root == "" {
		return path
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return path
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return StaticResultsPrefix + filepath.ToSlash(rel)
}
