package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/concilia-dev/concilia/internal/reporter"
	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var (
	exportTenant   string
	exportFormat   string
	exportFrom     string
	exportTo       string
	exportOutput   string
	exportCritical bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the decision ledger for compliance review",
	Long: `Export writes audit ledger entries for a tenant to a file or
stdout, as JSON or CSV. Date bounds are RFC 3339 timestamps or plain dates
(2024-03-15).`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportTenant, "tenant", "", "tenant ID (required)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format: json or csv")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "range start (inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "range end (inclusive)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "output file (default stdout)")
	exportCmd.Flags().BoolVar(&exportCritical, "critical-only", false, "export only invariant violation entries")
	exportCmd.MarkFlagRequired("tenant")
}

func runExport(cmd *cobra.Command, args []string) error {
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

	opts := &reporter.ExportOptions{
		TenantID:     exportTenant,
		Format:       reporter.OutputFormat(exportFormat),
		CriticalOnly: exportCritical,
	}
	if opts.From, err = parseTimeFlag("from", exportFrom); err != nil {
		return err
	}
	if opts.To, err = parseTimeFlag("to", exportTo); err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if exportOutput != "" {
		file, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("cannot create %s: %w", exportOutput, err)
		}
		defer file.Close()
		out = file
	}

	exporter := reporter.NewExporter(store, log)
	count, err := exporter.Export(cmd.Context(), out, opts)
	if err != nil {
		return err
	}

	if exportOutput != "" {
		fmt.Printf("Exported %d ledger entries to %s\n", count, exportOutput)
	}
	return nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.ValidationError(errors.CodeInvalidDate, name, value)
}
