// File: cmd/run.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/airport/api/schemas"
	"github.com/xkilldash9x/airport/internal/agent"
	"github.com/xkilldash9x/airport/internal/config"
	"github.com/xkilldash9x/airport/internal/observability"
	"github.com/xkilldash9x/airport/internal/service"
)

// newRunFactory is swapped in tests for a factory without a browser.
var newRunFactory = service.NewRunFactory

// ErrRunUnsuccessful is returned by `run` when the goal was not reached.
var ErrRunUnsuccessful = errors.New("run did not complete its goal")

func newRunCmd() *cobra.Command {
	var (
		maxSteps  int
		headless  bool
		noDesktop bool
	)

	runCmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one goal in-process and print each step",
		Long: `Runs the observe-think-act loop for a single goal.

Each step is printed as it happens. When the agent asks a question, type the
answer and press enter to resume.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-steps") {
				cfg.SetAgentMaxSteps(maxSteps)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}
			if noDesktop {
				cfg.SetAgentEnableDesktop(false)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			goal := strings.Join(args, " ")
			return runGoal(cmd.Context(), cfg, goal, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	runCmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step budget (default agent.max_steps)")
	runCmd.Flags().BoolVar(&headless, "headless", true, "run the browser without a window")
	runCmd.Flags().BoolVar(&noDesktop, "no-desktop", false, "disable the desktop surface")
	return runCmd
}

// runGoal starts a run, prints its progress, and feeds stdin lines to it
// while it awaits the user. Cancelling ctx stops the run.
func runGoal(ctx context.Context, cfg *config.Config, goal string, in io.Reader, out io.Writer) error {
	logger := observability.GetLogger()

	manager, _, err := service.InitializeRunManagerWithFactory(cfg, newRunFactory(cfg, logger), logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Run manager shutdown incomplete", zap.Error(err))
		}
	}()

	info, err := manager.Start(goal, cfg.Agent().MaxSteps)
	if err != nil {
		return err
	}
	done, err := manager.Done(info.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Goal: %s\nFlight: %s\n\n", info.Goal, info.FlightID)

	lines := readLines(in, done)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return printProgress(gctx, manager, info.RunID, pollInterval(cfg), done, out)
	})
	g.Go(func() error {
		// Lines typed ahead of a question are held and answer the next one.
		var pending []string
		retry := time.NewTicker(pollInterval(cfg))
		defer retry.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				// Stop rather than abandon so the flight is closed out.
				_ = manager.Stop(info.RunID)
				<-done
				return nil
			case line, ok := <-lines:
				if !ok {
					lines = nil
					continue
				}
				pending = append(pending, line)
			case <-retry.C:
			}
			for len(pending) > 0 {
				err := manager.Resume(info.RunID, pending[0])
				if errors.Is(err, agent.ErrNotAwaitingUser) {
					break
				}
				if err != nil {
					select {
					case <-done:
						return nil
					default:
						return err
					}
				}
				pending = pending[1:]
			}
		}
	})
	if err := g.Wait(); err != nil {
		return err
	}

	st, err := manager.Status(info.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nResult: %s\n", st.Result)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !st.Success {
		return fmt.Errorf("%w: %s", ErrRunUnsuccessful, st.Result)
	}
	return nil
}

// printProgress polls the run status and prints steps it has not yet shown.
func printProgress(ctx context.Context, manager *service.RunManager, runID string, interval time.Duration, done <-chan struct{}, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printed := 0
	flush := func() {
		st, err := manager.Status(runID)
		if err != nil {
			return
		}
		for printed < len(st.Steps) {
			s := st.Steps[printed]
			// Hold a step back until its action has produced a result.
			if st.Running && s.Role == agent.RoleStep && s.Result == "" && !resultless(s.Action) {
				break
			}
			printStep(out, s)
			printed++
		}
	}

	for {
		select {
		case <-done:
			flush()
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			flush()
		}
	}
}

func pollInterval(cfg *config.Config) time.Duration {
	if d := cfg.Agent().PollInterval; d > 0 {
		return d
	}
	return 100 * time.Millisecond
}

// resultless reports whether action ends or pauses the run instead of
// acting on a surface.
func resultless(action schemas.ActionKind) bool {
	switch action {
	case schemas.ActionDone, schemas.ActionFail, schemas.ActionAskUser:
		return true
	}
	return false
}

func printStep(out io.Writer, s service.StepView) {
	if s.Role == agent.RoleIntervention {
		fmt.Fprintf(out, "  [user] %s\n", s.Response)
		return
	}
	fmt.Fprintf(out, "Step %d: %s", s.Step, s.Action)
	if len(s.Params) > 0 {
		if data, err := json.Marshal(s.Params); err == nil {
			fmt.Fprintf(out, " %s", data)
		}
	}
	fmt.Fprintln(out)
	if s.Reasoning != "" {
		fmt.Fprintf(out, "  thought: %s\n", s.Reasoning)
	}
	if s.Result != "" {
		fmt.Fprintf(out, "  result: %s\n", s.Result)
	}
	if s.Action == schemas.ActionAskUser {
		fmt.Fprintf(out, "? %s\n> ", s.Params.String("question", ""))
	}
}

// readLines streams non-empty trimmed lines from r until EOF or stop. A
// terminal stdin keeps the goroutine parked in Scan until the process exits.
func readLines(r io.Reader, stop <-chan struct{}) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case ch <- line:
			case <-stop:
				return
			}
		}
	}()
	return ch
}
