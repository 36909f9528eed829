// internal/agent/terminal.go
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/airport/internal/config"
)

// CommandResult captures a finished foreground command.
type CommandResult struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner runs shell commands for the run_terminal action.
type CommandRunner interface {
	// Run executes command and waits for it. A non-zero exit is reported in
	// the result, not as an error.
	Run(ctx context.Context, command string) (CommandResult, error)
	// Start launches command detached and returns once it is running.
	Start(command string) error
}

// ShellRunner executes commands through the configured shell.
type ShellRunner struct {
	logger *zap.Logger
	shell  string
}

// NewShellRunner returns a runner using cfg.Shell, or /bin/sh when unset.
func NewShellRunner(logger *zap.Logger, cfg config.TerminalConfig) *ShellRunner {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellRunner{logger: logger.Named("shell"), shell: shell}
}

func (r *ShellRunner) Run(ctx context.Context, command string) (CommandResult, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	// Children holding the output pipe must not keep Wait blocked past cancellation.
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := CommandResult{Output: out.String(), Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}

func (r *ShellRunner) Start(command string) error {
	cmd := exec.Command(r.shell, "-c", command)
	if err := cmd.Start(); err != nil {
		return err
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		r.logger.Debug("Background command exited", zap.Int("pid", pid), zap.Error(err))
	}()
	return nil
}

// runTerminal renders a command execution as an outcome string. Errors never
// escape; they are part of the outcome.
func runTerminal(ctx context.Context, runner CommandRunner, cfg config.TerminalConfig, command string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		return "Command Error: no command given"
	}

	if strings.HasSuffix(command, "&") {
		if err := runner.Start(strings.TrimSpace(strings.TrimSuffix(command, "&"))); err != nil {
			return fmt.Sprintf("Command Error: %v", err)
		}
		return fmt.Sprintf("Started background command: %s", command)
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	res, err := runner.Run(runCtx, command)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("Command Error: timed out after %s", cfg.Timeout)
		}
		return fmt.Sprintf("Command Error: %v", err)
	}

	snippet := excerpt(strings.TrimSpace(res.Output), cfg.OutputLimit)
	if res.ExitCode == 0 {
		if snippet == "" {
			snippet = "(no output)"
		}
		return fmt.Sprintf("Command Success: %s", snippet)
	}
	return fmt.Sprintf("Command Failed (code %d): %s", res.ExitCode, snippet)
}
