package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/editapi"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the graph edit API over the plan store",
	Long: `Serve the graph edit API over persisted plans.

The API exposes each plan's execution graph for inspection and editing:
tasks can be added, edited, deleted, and linked, and a plan's edit mode
can be toggled to hold off a concurrently running scheduler while a batch
of edits is applied. Writes go through optimistic version checks; a
conflicting write is rejected with 409.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
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

	apiCfg := editapi.DefaultConfig()
	apiCfg.Host = cfg.Server.Host
	apiCfg.Port = cfg.Server.Port
	if serveHost != "" {
		apiCfg.Host = serveHost
	}
	if servePort > 0 {
		apiCfg.Port = servePort
	}

	srv := editapi.New(apiCfg, nil, gs, log)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("Edit API listening on %s:%d\n", apiCfg.Host, apiCfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	return srv.Stop(context.Background())
}
