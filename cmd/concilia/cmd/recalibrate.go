package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/concilia-dev/concilia/internal/feedback"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var (
	recalibrateTenant string
	recalibrateDays   int
	recalibrateDryRun bool
)

var recalibrateCmd = &cobra.Command{
	Use:   "recalibrate",
	Short: "Recalibrate matching weights from review outcomes",
	Long: `Recalibrate analyzes accepted and rejected decisions in the ledger
and shifts the tenant's feature weights toward the features that separated
good matches from bad ones. With --dry-run the proposal is printed but not
persisted.`,
	RunE: runRecalibrate,
}

func init() {
	rootCmd.AddCommand(recalibrateCmd)

	recalibrateCmd.Flags().StringVar(&recalibrateTenant, "tenant", "", "tenant ID (required)")
	recalibrateCmd.Flags().IntVar(&recalibrateDays, "days", 30, "ledger window in days")
	recalibrateCmd.Flags().BoolVar(&recalibrateDryRun, "dry-run", false, "analyze without persisting weights")
	recalibrateCmd.MarkFlagRequired("tenant")
}

func runRecalibrate(cmd *cobra.Command, args []string) error {
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

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -recalibrateDays)

	analyzer := feedback.NewAnalyzer(store, log)

	var report *feedback.Report
	if recalibrateDryRun {
		report, err = analyzer.Analyze(cmd.Context(), recalibrateTenant, from, to)
	} else {
		report, err = analyzer.Recalibrate(cmd.Context(), recalibrateTenant, from, to)
	}
	if err != nil {
		return err
	}

	if !report.Adjusted {
		fmt.Printf("No adjustment: %d samples (%d accepted, %d rejected) in the last %d days\n",
			report.Samples, report.Accepted, report.Rejected, recalibrateDays)
		return nil
	}

	fmt.Printf("Weights for %s (%d samples):\n", recalibrateTenant, report.Samples)
	fmt.Printf("  amount:      %.3f -> %.3f\n", report.CurrentWeights.Amount, report.ProposedWeights.Amount)
	fmt.Printf("  date:        %.3f -> %.3f\n", report.CurrentWeights.Date, report.ProposedWeights.Date)
	fmt.Printf("  description: %.3f -> %.3f\n", report.CurrentWeights.Description, report.ProposedWeights.Description)
	fmt.Printf("  reference:   %.3f -> %.3f\n", report.CurrentWeights.Reference, report.ProposedWeights.Reference)
	if recalibrateDryRun {
		fmt.Println("Dry run: weights not persisted")
	}
	return nil
}
