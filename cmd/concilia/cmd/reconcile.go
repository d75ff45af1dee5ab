package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/reconciler"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var (
	reconcileTenant string
	reconcileLimit  int
	reconcileJSON   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run reconciliation over pending movements",
	Long: `Reconcile evaluates every pending movement for a tenant: confident
full matches are applied automatically, plausible matches become suggestions
for review, and the rest stay pending with an audited reason.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileTenant, "tenant", "", "tenant ID (required)")
	reconcileCmd.Flags().IntVar(&reconcileLimit, "limit", 0, "maximum movements to process (0 = all)")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "print the run report as JSON")
	reconcileCmd.MarkFlagRequired("tenant")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetGlobalLogger()

	store, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, publisher, err := buildEngine(cfg, store, metrics.New(), log)
	if err != nil {
		return err
	}
	defer closeQuietly(publisher, log)

	report, err := engine.Run(cmd.Context(), reconcileTenant, reconciler.RunOptions{
		Limit:   reconcileLimit,
		Workers: cfg.Engine.Workers,
	})
	if err != nil {
		return err
	}

	if reconcileJSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	fmt.Printf("Processed %d movements: %d auto-applied, %d suggested, %d skipped, %d failed\n",
		report.Processed, report.AutoApplied, report.Suggested, report.Skipped, report.Failed)
	return nil
}
