package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/artifacts"
	"github.com/capstan-dev/capstan/internal/config"
	"github.com/capstan-dev/capstan/internal/invoker"
	"github.com/capstan-dev/capstan/internal/logging"
	"github.com/capstan-dev/capstan/internal/registry"
	"github.com/capstan-dev/capstan/internal/scheduler"
	"github.com/capstan-dev/capstan/internal/store"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "capstan",
	Short: "Task graph scheduler for remote capability workers",
	Long: `Capstan executes multi-step plans as a dependency graph of tasks,
dispatching each task to a remote worker matched by capability.

Plans are described in YAML files or built as a fixed reformulate,
evaluate, validate pipeline. The graph grows at runtime: decomposition
tasks return batches of new tasks, failed branches can be replanned, and
a rejected validation triggers a bounded revision loop. Execution state
is persisted after every cycle so interrupted plans can be resumed.

A running or persisted plan can be inspected and reshaped over the graph
edit API ('capstan serve').`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (skips config discovery)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: console or json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pipelineCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration and applies persistent flag overrides.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFromPath(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	return logging.New(cfg.Logging.Level, cfg.Logging.Format)
}

// openStore opens (and migrates) the plan database.
func openStore(cfg *config.Config) (*store.DB, *store.GraphStore, error) {
	path := cfg.Store.Path
	if path == "" {
		path = store.DefaultDBPath()
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening plan store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating plan store: %w", err)
	}
	return db, store.NewGraphStore(db), nil
}

// buildDeps wires the external collaborators from config.
func buildDeps(cfg *config.Config, gs *store.GraphStore, log zerolog.Logger) scheduler.Deps {
	timeout := cfg.Invoker.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return scheduler.Deps{
		Resolver:  registry.NewClient(cfg.Registry.BaseURL, timeout, log),
		Artifacts: artifacts.NewClient(cfg.Artifacts.BaseURL, timeout, log),
		Invoker: invoker.New(invoker.Config{
			RequestTimeout:      cfg.Invoker.RequestTimeout,
			PollInitialInterval: cfg.Invoker.PollInitialInterval,
			PollMaxInterval:     cfg.Invoker.PollMaxInterval,
			PollMaxElapsed:      cfg.Invoker.PollMaxElapsed,
		}, log),
		Store: gs,
	}
}

// schedulerConfig maps config onto a scheduler Config, applying command
// flag overrides where set.
func schedulerConfig(cfg *config.Config, policyFlag string, maxCyclesFlag int) (scheduler.Config, error) {
	sc := scheduler.Config{
		MaxCycles:      cfg.Scheduler.MaxCycles,
		CycleInterval:  cfg.Scheduler.CycleInterval,
		Policy:         scheduler.RemediationPolicy(cfg.Scheduler.Policy),
		MaxBulkRetries: cfg.Scheduler.MaxBulkRetries,
	}
	if policyFlag != "" {
		sc.Policy = scheduler.RemediationPolicy(policyFlag)
	}
	if maxCyclesFlag > 0 {
		sc.MaxCycles = maxCyclesFlag
	}
	if !sc.Policy.Valid() {
		return sc, fmt.Errorf("unknown remediation policy %q", sc.Policy)
	}
	return sc, nil
}
