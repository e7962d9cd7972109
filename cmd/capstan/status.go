package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show persisted plans",
	Long: `Display persisted plans and their statuses.

Without arguments, lists all plans, most recently updated first. With a
plan ID, shows that plan's tasks, states, and dependency structure.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatusCmd,
}

func runStatusCmd(cmd *cobra.Command, args []string) error {
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

	if len(args) == 1 {
		doc, err := gs.Load(args[0])
		if err != nil {
			return err
		}
		displayPlan(graph.FromDocument(doc, log))
		return nil
	}

	plans, err := gs.List()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		fmt.Println("No plans. Run 'capstan run <plan-file>' to start one.")
		return nil
	}
	for _, p := range plans {
		statusColor(p.Status).Printf("%-38s %-36s", p.PlanID, p.Status)
		fmt.Printf(" v%-4d %s\n", p.Version, p.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func displayPlan(g *graph.Graph) {
	statusColor(g.Status()).Printf("Plan %s: %s\n", g.PlanID(), g.Status())
	if em := g.EditMode(); em.Enabled {
		color.Yellow("Edit mode on (owner %s since %s)", em.Owner, em.Since.Local().Format("15:04:05"))
	}
	fmt.Println()
	for _, n := range g.Nodes() {
		nodeStateColor(n.State).Printf("  %-20s", n.State)
		fmt.Printf(" %s  %s", shortID(n.ID), n.Name)
		if len(n.Dependencies) > 0 {
			deps := make([]string, 0, len(n.Dependencies))
			for _, d := range n.Dependencies {
				deps = append(deps, shortID(d))
			}
			fmt.Printf("  (after %v)", deps)
		}
		fmt.Println()
	}
}

func nodeStateColor(st models.NodeState) *color.Color {
	switch st {
	case models.StateCompleted:
		return color.New(color.FgGreen)
	case models.StateFailed, models.StateCancelled:
		return color.New(color.FgRed)
	case models.StateBlocked, models.StateAwaitingValidation:
		return color.New(color.FgYellow)
	case models.StateWorking, models.StateAssigned:
		return color.New(color.FgCyan)
	default:
		return color.New(color.Faint)
	}
}
