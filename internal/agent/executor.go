// internal/agent/executor.go
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/config"
)

const (
	defaultGotoURL     = "https://www.google.com"
	defaultSaveFile    = "results/output.txt"
	printDialogWait    = 2 * time.Second
	printButtonTarget  = "Print button"
	defaultScrollDelta = 300
)

// placeholderRegex matches {{url:label}} and the single brace form {url:label}.
var placeholderRegex = regexp.MustCompile(`\{\{?url:([^}]+)\}?\}`)

// ActResult is what the executor reports back to the loop. SwitchTo is set
// when the action changes the active surface; the loop applies it.
type ActResult struct {
	Outcome  string
	SwitchTo schemas.SurfaceMode
}

// actionContext bundles per-call inputs for a handler.
type actionContext struct {
	mode   schemas.SurfaceMode
	ledger *Ledger
	params schemas.Params
	action schemas.ActionKind
}

// ActionHandler executes one action kind.
type ActionHandler func(ctx context.Context, ac actionContext) (ActResult, error)

// ExecutorConfig carries the settings the executor needs.
type ExecutorConfig struct {
	Results    config.ResultsConfig
	Terminal   config.TerminalConfig
	LaunchWait time.Duration
}

// Executor maps every action kind to a handler. A failing or panicking
// handler is turned into an outcome string; Act never returns an error.
type Executor struct {
	logger   *zap.Logger
	web      schemas.Surface
	desktop  schemas.DesktopSurface
	cfg      ExecutorConfig
	runner   CommandRunner
	handlers map[schemas.ActionKind]ActionHandler

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewExecutor builds an executor. Either surface may be nil.
func NewExecutor(logger *zap.Logger, web schemas.Surface, desktop schemas.DesktopSurface, cfg ExecutorConfig, runner CommandRunner) *Executor {
	e := &Executor{
		logger:  logger.Named("executor"),
		web:     web,
		desktop: desktop,
		cfg:     cfg,
		runner:  runner,
		sleep:   sleepContext,
		now:     time.Now,
	}
	if e.runner == nil {
		e.runner = NewShellRunner(logger, cfg.Terminal)
	}

	e.handlers = map[schemas.ActionKind]ActionHandler{
		schemas.ActionGoto:          e.handleGoto,
		schemas.ActionClick:         e.handleClick,
		schemas.ActionType:          e.handleType,
		schemas.ActionKey:           e.handleKey,
		schemas.ActionScroll:        e.handleScroll,
		schemas.ActionWait:          e.handleWait,
		schemas.ActionRead:          e.handleRead,
		schemas.ActionGetURL:        e.handleGetURL,
		schemas.ActionSaveFile:      e.handleSaveFile,
		schemas.ActionAskUser:       e.handleAskUser,
		schemas.ActionRunTerminal:   e.handleRunTerminal,
		schemas.ActionLaunchApp:     e.requireDesktop(e.handleLaunchApp),
		schemas.ActionClickDesktop:  e.requireDesktop(e.handleClickDesktop),
		schemas.ActionTypeDesktop:   e.requireDesktop(e.handleTypeDesktop),
		schemas.ActionPressHotkey:   e.requireDesktop(e.handlePressHotkey),
		schemas.ActionPrintDocument: e.requireDesktop(e.handlePrintDocument),
		schemas.ActionSwitchToWeb:   e.handleSwitchToWeb,
		schemas.ActionDone:          e.handleTerminal,
		schemas.ActionFail:          e.handleTerminal,
	}
	return e
}

// Act executes the decision against the surface selected by mode.
func (e *Executor) Act(ctx context.Context, mode schemas.SurfaceMode, ledger *Ledger, d schemas.Decision) (res ActResult) {
	action := d.Action
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action handler panicked", zap.String("action", string(action)), zap.Any("panic", r))
			res = ActResult{Outcome: fmt.Sprintf("Error executing %s: panic: %v", action, r)}
		}
	}()

	handler, ok := e.handlers[action]
	if !ok {
		e.logger.Warn("Unrecognized action", zap.String("action", string(action)))
		return ActResult{Outcome: fmt.Sprintf("Unrecognized action: %s", action)}
	}

	params := d.Params
	if params == nil {
		params = schemas.Params{}
	}
	res, err := handler(ctx, actionContext{mode: mode, ledger: ledger, params: params, action: action})
	if err != nil {
		e.logger.Warn("Action failed", zap.String("action", string(action)), zap.Error(err))
		return ActResult{Outcome: fmt.Sprintf("Error executing %s: %v", action, err), SwitchTo: res.SwitchTo}
	}
	e.logger.Debug("Action executed", zap.String("action", string(action)), zap.String("outcome", res.Outcome))
	return res
}

// surface returns the driver for the current mode, falling back to the web
// surface when desktop mode is active but no desktop is configured.
func (e *Executor) surface(mode schemas.SurfaceMode) (schemas.Surface, error) {
	if mode == schemas.ModeDesktop && e.desktop != nil {
		return e.desktop, nil
	}
	if e.web != nil {
		return e.web, nil
	}
	return nil, ErrSurfaceUnavailable
}

func (e *Executor) outcome(format string, args ...interface{}) (ActResult, error) {
	return ActResult{Outcome: fmt.Sprintf(format, args...)}, nil
}

// -- Surface Interaction --

func (e *Executor) handleGoto(ctx context.Context, ac actionContext) (ActResult, error) {
	url := ac.params.String("url", defaultGotoURL)
	if e.web == nil {
		return ActResult{}, ErrSurfaceUnavailable
	}
	if err := e.web.Navigate(ctx, url); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Navigated to %s", url)
}

func (e *Executor) handleClick(ctx context.Context, ac actionContext) (ActResult, error) {
	x := ac.params.Float("x", 0)
	y := ac.params.Float("y", 0)
	count := ac.params.Int("click_count", 1)
	if count < 1 {
		count = 1
	}
	s, err := e.surface(ac.mode)
	if err != nil {
		return ActResult{}, err
	}
	if err := s.Click(ctx, x, y, count); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Clicked at (%s, %s) x%d", formatNumber(x), formatNumber(y), count)
}

func (e *Executor) handleType(ctx context.Context, ac actionContext) (ActResult, error) {
	text := ac.params.String("text", "")
	submit := ac.params.Bool("submit", false)
	s, err := e.surface(ac.mode)
	if err != nil {
		return ActResult{}, err
	}
	if text != "" {
		if err := s.Type(ctx, text); err != nil {
			return ActResult{}, err
		}
	}
	if !submit {
		return e.outcome("Typed: %s", text)
	}
	if err := s.PressKey(ctx, "Enter"); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Typed and submitted: %s", text)
}

func (e *Executor) handleKey(ctx context.Context, ac actionContext) (ActResult, error) {
	key := ac.params.String("key", "Enter")
	s, err := e.surface(ac.mode)
	if err != nil {
		return ActResult{}, err
	}
	if err := s.PressKey(ctx, key); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Pressed: %s", key)
}

func (e *Executor) handleScroll(ctx context.Context, ac actionContext) (ActResult, error) {
	direction := strings.ToLower(ac.params.String("direction", "down"))
	amount := ac.params.Int("amount", defaultScrollDelta)
	delta := float64(amount)
	if direction == "up" {
		delta = -delta
	}
	s, err := e.surface(ac.mode)
	if err != nil {
		return ActResult{}, err
	}
	if err := s.Scroll(ctx, 0, delta); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Scrolled %s by %dpx", direction, amount)
}

func (e *Executor) handleWait(ctx context.Context, ac actionContext) (ActResult, error) {
	seconds := ac.params.Float("seconds", 2)
	if seconds < 0 {
		seconds = 0
	}
	if err := e.sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Waited %ss", formatNumber(seconds))
}

// -- Data Capture --

func (e *Executor) handleRead(_ context.Context, ac actionContext) (ActResult, error) {
	target := ac.params.String("target", "unknown")
	result := ac.params.String("result", "")

	path := e.cfg.Results.ReadingsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ActResult{}, fmt.Errorf("failed to create readings directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ActResult{}, fmt.Errorf("failed to open readings file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "[%s] %s: %s\n", e.now().Format(time.RFC3339), target, result); err != nil {
		return ActResult{}, fmt.Errorf("failed to write reading: %w", err)
	}
	return e.outcome("Read '%s': %s", target, result)
}

func (e *Executor) handleGetURL(ctx context.Context, ac actionContext) (ActResult, error) {
	label := ac.params.String("label", "current_url")
	if e.web == nil {
		e.logger.Warn("get_url requested without a web surface")
		return e.outcome("No page available to get URL")
	}
	url, err := e.web.CurrentURL(ctx)
	if err != nil {
		return ActResult{}, err
	}
	if url == "" {
		return e.outcome("No page available to get URL")
	}
	if ac.ledger != nil {
		ac.ledger.SetCollected(label, url)
	}
	return e.outcome("Got URL [%s]: %s", label, url)
}

func (e *Executor) handleSaveFile(_ context.Context, ac actionContext) (ActResult, error) {
	filename := ac.params.String("filename", defaultSaveFile)
	content := ac.params.String("content", "")
	appendMode := ac.params.Bool("append", false)

	content = e.substitutePlaceholders(content, ac.ledger)

	path, err := e.resolveResultPath(filename)
	if err != nil {
		return ActResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ActResult{}, fmt.Errorf("failed to create directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return ActResult{}, err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Saved to %s", path)
}

// substitutePlaceholders replaces {{url:L}} and {url:L} with collected values.
// Unknown labels are left in place and logged.
func (e *Executor) substitutePlaceholders(content string, ledger *Ledger) string {
	return placeholderRegex.ReplaceAllStringFunc(content, func(match string) string {
		label := placeholderRegex.FindStringSubmatch(match)[1]
		if ledger != nil {
			if v, ok := ledger.GetCollected(label); ok {
				return v
			}
		}
		e.logger.Warn("No collected URL for placeholder label", zap.String("label", label))
		return match
	})
}

// resolveResultPath maps a save_file name onto disk. Relative names live
// under the results root; a leading "results/" is treated as that root.
func (e *Executor) resolveResultPath(name string) (string, error) {
	expanded, err := homedir.Expand(strings.TrimSpace(name))
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}

	rel := filepath.Clean(expanded)
	if first, rest, ok := strings.Cut(filepath.ToSlash(rel), "/"); ok && first == "results" {
		rel = filepath.FromSlash(rest)
	}
	root := filepath.Clean(e.cfg.Results.Root)
	path := filepath.Join(root, rel)
	if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the results root", name)
	}
	return path, nil
}

// -- Control --

func (e *Executor) handleAskUser(_ context.Context, ac actionContext) (ActResult, error) {
	return e.outcome("Asked user: %s", ac.params.String("question", ""))
}

func (e *Executor) handleTerminal(_ context.Context, ac actionContext) (ActResult, error) {
	if ac.action == schemas.ActionDone {
		return e.outcome("Done: %s", ac.params.String("result", DefaultDoneResult))
	}
	return e.outcome("Failed: %s", ac.params.String("reason", DefaultFailReason))
}

func (e *Executor) handleRunTerminal(ctx context.Context, ac actionContext) (ActResult, error) {
	command := ac.params.String("command", "")
	e.logger.Info("Running terminal command", zap.String("command", command))
	return ActResult{Outcome: runTerminal(ctx, e.runner, e.cfg.Terminal, command)}, nil
}

// -- Desktop Surface --

func (e *Executor) requireDesktop(h ActionHandler) ActionHandler {
	return func(ctx context.Context, ac actionContext) (ActResult, error) {
		if e.desktop == nil {
			e.logger.Warn("Desktop action requested without a desktop surface", zap.String("action", string(ac.action)))
			return e.outcome("Desktop surface not configured; %s skipped", ac.action)
		}
		return h(ctx, ac)
	}
}

func (e *Executor) handleLaunchApp(ctx context.Context, ac actionContext) (ActResult, error) {
	command := ac.params.String("command", "")
	if strings.TrimSpace(command) == "" {
		return e.outcome("Launch skipped: no command given")
	}
	if err := e.desktop.Launch(ctx, command); err != nil {
		return ActResult{}, err
	}
	return ActResult{Outcome: fmt.Sprintf("Launched app: %s", command), SwitchTo: schemas.ModeDesktop}, nil
}

func (e *Executor) handleClickDesktop(ctx context.Context, ac actionContext) (ActResult, error) {
	instruction := ac.params.String("instruction", "")
	found, err := e.desktop.ClickByDescription(ctx, instruction)
	if err != nil {
		return ActResult{}, err
	}
	if !found {
		return e.outcome("Desktop Click: %s (target not found)", instruction)
	}
	return e.outcome("Desktop Click: %s", instruction)
}

func (e *Executor) handleTypeDesktop(ctx context.Context, ac actionContext) (ActResult, error) {
	instruction := ac.params.String("instruction", "")
	text := ac.params.String("text", "")
	found, err := e.desktop.TypeByDescription(ctx, instruction, text)
	if err != nil {
		return ActResult{}, err
	}
	if !found {
		return e.outcome("Typed on Desktop: %s (target not found)", text)
	}
	return e.outcome("Typed on Desktop: %s", text)
}

func (e *Executor) handlePressHotkey(ctx context.Context, ac actionContext) (ActResult, error) {
	keys := ac.params.Strings("keys")
	if len(keys) == 0 {
		return e.outcome("Hotkey skipped: no keys given")
	}
	if err := e.desktop.PressHotkey(ctx, keys...); err != nil {
		return ActResult{}, err
	}
	return e.outcome("Hotkey: %s", strings.Join(keys, " + "))
}

func (e *Executor) handlePrintDocument(ctx context.Context, ac actionContext) (ActResult, error) {
	path := ac.params.String("filepath", "")
	if err := e.desktop.Launch(ctx, fmt.Sprintf("evince %s &", strconv.Quote(path))); err != nil {
		return ActResult{}, err
	}
	res := ActResult{SwitchTo: schemas.ModeDesktop}

	if err := e.sleep(ctx, e.cfg.LaunchWait); err != nil {
		return res, err
	}
	if err := e.desktop.PressHotkey(ctx, "ctrl", "p"); err != nil {
		return res, err
	}
	if err := e.sleep(ctx, printDialogWait); err != nil {
		return res, err
	}
	if _, err := e.desktop.ClickByDescription(ctx, printButtonTarget); err != nil {
		return res, err
	}
	res.Outcome = fmt.Sprintf("Printing sequence executed for %s", path)
	return res, nil
}

func (e *Executor) handleSwitchToWeb(_ context.Context, _ actionContext) (ActResult, error) {
	return ActResult{Outcome: "Switched to Web mode", SwitchTo: schemas.ModeWeb}, nil
}

// formatNumber prints whole numbers without a fractional part.
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
