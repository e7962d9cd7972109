package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/scheduler"
)

var pipelineMaxRevisions int

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <objective>",
	Short: "Run an objective through the reformulate, evaluate, validate pipeline",
	Long: `Run an objective through the fixed three-step pipeline: a
reformulation worker restates the objective, an evaluation worker produces
a solution, and a validation worker accepts or rejects it.

A rejection starts a revision: a new three-step chain is appended with the
rejection feedback embedded. The loop is bounded by --max-revisions;
exhausting it fails the plan.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipeline,
}

func init() {
	pipelineCmd.Flags().IntVar(&pipelineMaxRevisions, "max-revisions", 0, "Revisions allowed before the plan fails (0 uses config)")
}

func runPipeline(cmd *cobra.Command, args []string) error {
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

	maxRevisions := cfg.Pipeline.MaxRevisions
	if pipelineMaxRevisions > 0 {
		maxRevisions = pipelineMaxRevisions
	}

	objective := strings.Join(args, " ")
	g, err := scheduler.NewPipelineGraph(uuid.NewString(), objective, maxRevisions, log)
	if err != nil {
		return err
	}

	sc, err := schedulerConfig(cfg, "", 0)
	if err != nil {
		return err
	}

	s := scheduler.New(g, buildDeps(cfg, gs, log), sc, log)
	s.OnEvent(printEvent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Running pipeline plan %s\n", g.PlanID())
	status, runErr := s.Run(ctx)
	printSummary(g, status)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
