package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/config"
	"github.com/capstan-dev/capstan/internal/store"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
	Long: `Display the effective configuration after merging defaults, the
user config (~/.config/capstan/config.yaml), the project config
(.capstan.yaml), a .env file, and CAPSTAN_* environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		displayConfig(cfg)
		return nil
	},
}

func displayConfig(cfg *config.Config) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = store.DefaultDBPath()
	}

	fmt.Printf("registry.base_url: %s\n", cfg.Registry.BaseURL)
	fmt.Printf("artifacts.base_url: %s\n", cfg.Artifacts.BaseURL)
	fmt.Printf("store.path: %s\n", dbPath)
	fmt.Printf("scheduler.max_cycles: %d\n", cfg.Scheduler.MaxCycles)
	fmt.Printf("scheduler.cycle_interval: %s\n", cfg.Scheduler.CycleInterval)
	fmt.Printf("scheduler.policy: %s\n", cfg.Scheduler.Policy)
	fmt.Printf("scheduler.max_bulk_retries: %d\n", cfg.Scheduler.MaxBulkRetries)
	fmt.Printf("invoker.request_timeout: %s\n", cfg.Invoker.RequestTimeout)
	fmt.Printf("invoker.poll_initial_interval: %s\n", cfg.Invoker.PollInitialInterval)
	fmt.Printf("invoker.poll_max_interval: %s\n", cfg.Invoker.PollMaxInterval)
	fmt.Printf("invoker.poll_max_elapsed: %s\n", cfg.Invoker.PollMaxElapsed)
	fmt.Printf("pipeline.max_revisions: %d\n", cfg.Pipeline.MaxRevisions)
	fmt.Printf("server.host: %s\n", cfg.Server.Host)
	fmt.Printf("server.port: %d\n", cfg.Server.Port)
	fmt.Printf("logging.level: %s\n", cfg.Logging.Level)
	fmt.Printf("logging.format: %s\n", cfg.Logging.Format)

	if project := config.ProjectConfigPath(); project != "" {
		fmt.Printf("\nproject config: %s\n", project)
	}
	fmt.Printf("user config: %s\n", config.UserConfigPath())
}
