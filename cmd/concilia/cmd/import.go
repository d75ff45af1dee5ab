package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/concilia-dev/concilia/internal/ingest"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var (
	importTenant  string
	importAccount string
	importFile    string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a bank statement CSV export",
	Long: `Import reads a CSV statement export and creates pending movements
for one tenant and account. The column layout is detected from the header
row; re-importing the same file is safe because every line carries a
deterministic fingerprint and duplicates are skipped.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importTenant, "tenant", "", "tenant ID (required)")
	importCmd.Flags().StringVar(&importAccount, "account", "", "bank account ID (required)")
	importCmd.Flags().StringVar(&importFile, "file", "", "CSV file to import (required)")
	importCmd.MarkFlagRequired("tenant")
	importCmd.MarkFlagRequired("account")
	importCmd.MarkFlagRequired("file")
}

func runImport(cmd *cobra.Command, args []string) error {
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

	file, err := os.Open(importFile)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", importFile, err)
	}
	defer file.Close()

	importer := ingest.NewImporter(store, nil, log)
	stats, err := importer.ImportCSV(cmd.Context(), importTenant, importAccount, file, nil)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d of %d rows (%d duplicates, %d failed)\n",
		stats.Imported, stats.RowsRead, stats.Duplicates, stats.Failed())
	for _, rowErr := range stats.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", rowErr)
	}
	return nil
}
