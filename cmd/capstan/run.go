package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/control"
	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/internal/planfile"
	"github.com/capstan-dev/capstan/internal/scheduler"
	"github.com/capstan-dev/capstan/pkg/models"
)

var (
	runResume      bool
	runRetryFailed bool
	runPolicy      string
	runMaxCycles   int
	runSignalsDir  string
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a plan",
	Long: `Execute a plan described in a YAML file.

The plan's tasks are scheduled as a dependency graph: each cycle, tasks
whose dependencies are complete are dispatched to remote workers matched
by capability. Execution state is persisted after every cycle.

With --resume the argument is a plan ID instead of a file path and the
persisted graph is loaded from the plan store; a plan that ran out of
cycle budget continues where it stopped. Combine with --retry-failed to
move failed tasks back to pending first.

While a plan runs, dropping a file named stop, pause, or resume into the
signals directory cancels the run or toggles edit mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Treat the argument as a plan ID and resume it from the store")
	runCmd.Flags().BoolVar(&runRetryFailed, "retry-failed", false, "Reset failed tasks to pending before running")
	runCmd.Flags().StringVar(&runPolicy, "policy", "", "Remediation policy: none, bulk_retry, or replan_branch")
	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "Override the scheduling cycle budget")
	runCmd.Flags().StringVar(&runSignalsDir, "signals-dir", ".capstan/signals", "Directory watched for control signal files (empty to disable)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	db, gs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var g *graph.Graph
	if runResume {
		doc, err := gs.Load(args[0])
		if err != nil {
			return fmt.Errorf("resuming plan %s: %w", args[0], err)
		}
		g = graph.FromDocument(doc, log)
	} else {
		plan, err := planfile.Load(args[0])
		if err != nil {
			return err
		}
		g, _, err = plan.BuildGraph(log)
		if err != nil {
			return err
		}
	}

	if runRetryFailed {
		if n := g.ResetFailed(); n > 0 {
			fmt.Printf("Reset %d failed task(s) to pending\n", n)
		}
	}
	// A plan that timed out or finished with failures is resumable once its
	// remaining work has been unblocked.
	if st := g.Status(); st == models.PlanTimeout ||
		(st.Terminal() && g.NonTerminalCount() > 0) ||
		(st == models.PlanCompletedWithFailures && runRetryFailed) {
		g.SetStatus(models.PlanPending)
	}

	sc, err := schedulerConfig(cfg, runPolicy, runMaxCycles)
	if err != nil {
		return err
	}

	s := scheduler.New(g, buildDeps(cfg, gs, log), sc, log)
	s.OnEvent(printEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if runSignalsDir != "" {
		w, err := control.New(runSignalsDir, g, cancel, log)
		if err != nil {
			log.Warn().Err(err).Msg("signal watcher unavailable")
		} else {
			defer w.Stop()
		}
	}

	fmt.Printf("Running plan %s (%d tasks)\n", g.PlanID(), g.Size())
	status, runErr := s.Run(ctx)
	printSummary(g, status)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func printEvent(e scheduler.Event) {
	switch e.Type {
	case scheduler.EventNodeDispatched:
		color.Cyan("  -> %s %s", shortID(e.NodeID), e.Message)
	case scheduler.EventNodeCompleted:
		color.Green("  ok %s", shortID(e.NodeID))
	case scheduler.EventNodeFailed:
		color.Red("  FAIL %s: %s", shortID(e.NodeID), e.Message)
	case scheduler.EventNodeReverted:
		color.Yellow("  wait %s: %s", shortID(e.NodeID), e.Message)
	case scheduler.EventGraphExpanded:
		color.Magenta("  expand %s: %s", shortID(e.NodeID), e.Message)
	case scheduler.EventBranchReplanned:
		color.Magenta("  replan %s", shortID(e.NodeID))
	case scheduler.EventRevisionStarted:
		color.Magenta("  revise: %s", e.Message)
	}
}

func printSummary(g *graph.Graph, status models.PlanStatus) {
	counts := make(map[models.NodeState]int)
	for _, n := range g.Nodes() {
		counts[n.State]++
	}
	fmt.Println()
	statusColor(status).Printf("Plan %s: %s\n", g.PlanID(), status)
	for _, st := range []models.NodeState{
		models.StateCompleted, models.StateFailed, models.StateBlocked,
		models.StateCancelled, models.StateAwaitingValidation,
		models.StatePending, models.StateReady,
	} {
		if counts[st] > 0 {
			fmt.Printf("  %-20s %d\n", st, counts[st])
		}
	}
}

func statusColor(status models.PlanStatus) *color.Color {
	switch status {
	case models.PlanCompletedSuccessfully:
		return color.New(color.FgGreen, color.Bold)
	case models.PlanCompletedWithFailures, models.PlanTimeout:
		return color.New(color.FgYellow, color.Bold)
	case models.PlanFailed:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.Bold)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
