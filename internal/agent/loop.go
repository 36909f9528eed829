// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

const remoteClickQueueSize = 64

type clickRequest struct {
	x, y float64
}

// LoopDeps are the collaborators of a single run.
type LoopDeps struct {
	Oracle   Oracle
	Executor *Executor
	Web      schemas.Surface
	Desktop  schemas.DesktopSurface
	Hooks    Hooks
	// ScreenshotDir and DesktopScreenshotDir receive one PNG per Observe.
	// Empty disables persistence.
	ScreenshotDir        string
	DesktopScreenshotDir string
}

// Loop runs Observe, Think and Act for one goal. It is single use: create a
// new Loop for every run. Run executes on the caller's goroutine; the other
// exported methods are safe to call from any goroutine.
type Loop struct {
	logger *zap.Logger
	cfg    config.AgentConfig
	deps   LoopDeps
	goal   string
	ledger *Ledger

	clicks   chan clickRequest
	replies  chan string
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu           sync.RWMutex
	status       RunStatus
	stepCount    int
	maxSteps     int
	mode         schemas.SurfaceMode
	question     string
	replyPending bool
	screenshot   string
	outcome      *Outcome
}

// NewLoop prepares a run for goal. A non-positive maxSteps uses cfg.MaxSteps.
func NewLoop(logger *zap.Logger, cfg config.AgentConfig, deps LoopDeps, goal string, maxSteps int) *Loop {
	if maxSteps <= 0 {
		maxSteps = cfg.MaxSteps
	}
	return &Loop{
		logger:   logger.Named("react_loop"),
		cfg:      cfg,
		deps:     deps,
		goal:     goal,
		ledger:   NewLedger(),
		clicks:   make(chan clickRequest, remoteClickQueueSize),
		replies:  make(chan string, 1),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		sleep:    sleepContext,
		now:      time.Now,
		status:   StatusRunning,
		maxSteps: maxSteps,
		mode:     schemas.ModeWeb,
	}
}

// Ledger exposes the run's history for read access.
func (l *Loop) Ledger() *Ledger { return l.ledger }

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run drives the loop to a terminal outcome. Cancelling ctx ends the run with
// an error outcome; Stop ends it with a failure outcome.
func (l *Loop) Run(ctx context.Context) Outcome {
	defer close(l.done)
	l.logger.Info("ReAct run starting", zap.String("goal", l.goal), zap.Int("max_steps", l.maxSteps))

	for {
		if l.stopped() {
			return l.finish(OutcomeFailure, StoppedText)
		}
		if err := ctx.Err(); err != nil {
			return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
		}

		step, ok := l.nextStep()
		if !ok {
			l.logger.Warn("Step budget exhausted", zap.Int("max_steps", l.maxSteps))
			return l.finish(OutcomeBudgetExhausted, BudgetExhaustedText)
		}
		logger := l.logger.With(zap.Int("step", step))

		// Observe
		image, path, err := l.observe(ctx, step)
		if err != nil {
			logger.Error("Observe failed", zap.Error(err))
			return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
		}

		// Think
		decision, err := l.deps.Oracle.Decide(ctx, DecisionRequest{
			Goal:           l.goal,
			HistorySummary: l.ledger.Summarize(l.cfg.HistoryWindow, l.cfg.RepetitionHint),
			Image:          image,
			Step:           step,
			Budget:         l.maxSteps,
			Mode:           l.currentMode(),
			DesktopEnabled: l.deps.Desktop != nil,
		})
		if err != nil {
			logger.Error("Think failed", zap.Error(err))
			return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
		}
		if decision.Params == nil {
			decision.Params = schemas.Params{}
		}
		logger.Info("Decision",
			zap.String("action", string(decision.Action)),
			zap.String("reasoning", decision.Reasoning))

		entry := HistoryEntry{
			Step:       step,
			Timestamp:  l.now(),
			Role:       RoleStep,
			Screenshot: path,
			Decision:   &decision,
		}
		if err := l.ledger.Append(entry); err != nil {
			return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
		}
		l.notifyStep(step, decision, path)

		switch decision.Action {
		case schemas.ActionDone:
			return l.finish(OutcomeSuccess, decision.Params.String("result", DefaultDoneResult))
		case schemas.ActionFail:
			return l.finish(OutcomeFailure, decision.Params.String("reason", DefaultFailReason))
		case schemas.ActionAskUser:
			reply, err := l.awaitUser(ctx, step, decision.Params.String("question", ""))
			if errors.Is(err, errStopped) {
				return l.finish(OutcomeFailure, StoppedText)
			}
			if err != nil {
				return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
			}
			r := reply
			if err := l.ledger.Append(HistoryEntry{Step: step, Timestamp: l.now(), Role: RoleIntervention, Response: &r}); err != nil {
				return l.finish(OutcomeError, fmt.Sprintf("Error: %v", err))
			}
			logger.Info("Resumed with user reply", zap.String("reply", reply))
			continue
		}

		// Act
		res := l.deps.Executor.Act(ctx, l.currentMode(), l.ledger, decision)
		if err := l.ledger.SetOutcome(step, res.Outcome); err != nil {
			logger.Warn("Failed to record outcome", zap.Error(err))
		}
		if res.SwitchTo != "" {
			l.setMode(res.SwitchTo)
		}
		logger.Info("Acted", zap.String("outcome", res.Outcome))
		if l.deps.Hooks.OnActed != nil {
			l.deps.Hooks.OnActed(step, decision.Action, res.Outcome)
		}

		l.settle(ctx, decision.Action)
	}
}

// Resume delivers the human reply to a suspended run.
func (l *Loop) Resume(reply string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status != StatusAwaitingUser || l.replyPending {
		return ErrNotAwaitingUser
	}
	l.replyPending = true
	l.replies <- reply
	return nil
}

// Stop ends the run at the next safe point. An in-flight action completes
// first. Calling Stop more than once is harmless.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// RemoteClick queues a click to be applied while the run awaits the user.
// Clicks queued while the run is acting are dropped when it next suspends.
func (l *Loop) RemoteClick(x, y float64) error {
	l.mu.RLock()
	finished := l.status == StatusDone
	l.mu.RUnlock()
	if finished {
		return ErrNoActiveRun
	}
	select {
	case l.clicks <- clickRequest{x: x, y: y}:
		return nil
	default:
		return fmt.Errorf("remote click queue is full")
	}
}

// Snapshot returns a consistent copy of the run state. It never mutates it.
func (l *Loop) Snapshot() RunSnapshot {
	l.mu.RLock()
	s := RunSnapshot{
		Goal:             l.goal,
		Status:           l.status,
		Question:         l.question,
		StepCount:        l.stepCount,
		MaxSteps:         l.maxSteps,
		Mode:             l.mode,
		LatestScreenshot: l.screenshot,
	}
	if l.outcome != nil {
		o := *l.outcome
		o.History = cloneEntries(l.outcome.History)
		s.Outcome = &o
	}
	l.mu.RUnlock()

	s.History = l.ledger.Snapshot()
	s.Collected = l.ledger.Collected()
	return s
}

func (l *Loop) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *Loop) nextStep() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stepCount >= l.maxSteps {
		return 0, false
	}
	l.stepCount++
	return l.stepCount, true
}

func (l *Loop) currentMode() schemas.SurfaceMode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

func (l *Loop) setMode(m schemas.SurfaceMode) {
	l.mu.Lock()
	prev := l.mode
	l.mode = m
	l.mu.Unlock()
	if prev != m {
		l.logger.Info("Surface mode changed", zap.String("from", string(prev)), zap.String("to", string(m)))
	}
}

// activeSurface selects the driver for the current mode.
func (l *Loop) activeSurface() (schemas.Surface, schemas.SurfaceMode, error) {
	mode := l.currentMode()
	if mode == schemas.ModeDesktop && l.deps.Desktop != nil {
		return l.deps.Desktop, mode, nil
	}
	if l.deps.Web != nil {
		return l.deps.Web, schemas.ModeWeb, nil
	}
	return nil, mode, ErrSurfaceUnavailable
}

// observe captures the active surface and persists the image. A failed write
// is logged; the image is still returned.
func (l *Loop) observe(ctx context.Context, step int) ([]byte, string, error) {
	surface, mode, err := l.activeSurface()
	if err != nil {
		return nil, "", err
	}
	image, err := surface.Capture(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("capture failed: %w", err)
	}

	dir := l.deps.ScreenshotDir
	if mode == schemas.ModeDesktop && l.deps.DesktopScreenshotDir != "" {
		dir = l.deps.DesktopScreenshotDir
	}
	if dir == "" {
		return image, "", nil
	}

	path := filepath.Join(dir, fmt.Sprintf("step_%d_%d.png", step, l.now().Unix()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.logger.Warn("Failed to create screenshot directory", zap.String("dir", dir), zap.Error(err))
		return image, "", nil
	}
	if err := os.WriteFile(path, image, 0o644); err != nil {
		l.logger.Warn("Failed to persist screenshot", zap.String("path", path), zap.Error(err))
		return image, "", nil
	}

	l.mu.Lock()
	l.screenshot = path
	l.mu.Unlock()
	return image, path, nil
}

func (l *Loop) notifyStep(step int, d schemas.Decision, screenshot string) {
	if l.deps.Hooks.OnStep == nil {
		return
	}
	l.deps.Hooks.OnStep(schemas.StepEvent{
		Step:        step,
		Observation: d.Observation,
		Reasoning:   d.Reasoning,
		Action:      d.Action,
		Params:      d.Params.Clone(),
		Screenshot:  screenshot,
		Mode:        l.currentMode(),
		Timestamp:   l.now(),
	})
}

// awaitUser suspends the run until a reply, a stop, or ctx cancellation.
// Queued remote clicks are applied while waiting.
func (l *Loop) awaitUser(ctx context.Context, step int, question string) (string, error) {
	// Clicks queued while running target a screen that no longer exists.
	l.discardClicks()
	l.mu.Lock()
	l.status = StatusAwaitingUser
	l.question = question
	l.mu.Unlock()

	l.logger.Info("Awaiting human intervention", zap.Int("step", step), zap.String("question", question))
	if l.deps.Hooks.OnAwaiting != nil {
		l.deps.Hooks.OnAwaiting(step, question)
	}

	defer func() {
		l.mu.Lock()
		l.status = StatusRunning
		l.question = ""
		l.replyPending = false
		l.mu.Unlock()
		l.discardClicks()
	}()

	for {
		select {
		case reply := <-l.replies:
			return reply, nil
		case c := <-l.clicks:
			l.applyRemoteClick(ctx, c)
		case <-l.stopCh:
			return "", errStopped
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (l *Loop) applyRemoteClick(ctx context.Context, c clickRequest) {
	surface, _, err := l.activeSurface()
	if err != nil {
		l.logger.Warn("Remote click dropped", zap.Error(err))
		return
	}
	if err := surface.Click(ctx, c.x, c.y, 1); err != nil {
		l.logger.Warn("Remote click failed", zap.Float64("x", c.x), zap.Float64("y", c.y), zap.Error(err))
		return
	}
	l.logger.Info("Executed remote click", zap.Float64("x", c.x), zap.Float64("y", c.y))
	_ = l.sleep(ctx, l.cfg.RemoteClickSettle)
}

// discardClicks drops clicks left in the queue around a suspension.
func (l *Loop) discardClicks() {
	dropped := 0
	for {
		select {
		case <-l.clicks:
			dropped++
		default:
			if dropped > 0 {
				l.logger.Debug("Discarded queued remote clicks", zap.Int("count", dropped))
			}
			return
		}
	}
}

// settle waits before the next Observe so the oracle never sees a frame
// mid-transition. Stop interrupts the wait.
func (l *Loop) settle(ctx context.Context, action schemas.ActionKind) {
	d := l.cfg.ShortSettle
	switch action {
	case schemas.ActionGoto, schemas.ActionClick, schemas.ActionKey:
		d = l.cfg.LongSettle
	}
	settleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-settleCtx.Done():
		}
	}()
	_ = l.sleep(settleCtx, d)
}

func (l *Loop) finish(kind OutcomeKind, result string) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := Outcome{
		Kind:        kind,
		Success:     kind == OutcomeSuccess,
		StepsTaken:  l.stepCount,
		History:     l.ledger.Snapshot(),
		FinalResult: result,
	}
	l.status = StatusDone
	l.question = ""
	l.outcome = &o

	l.logger.Info("ReAct run finished",
		zap.String("kind", string(kind)),
		zap.Int("steps_taken", o.StepsTaken),
		zap.String("final_result", result))

	ret := o
	ret.History = cloneEntries(o.History)
	return ret
}
