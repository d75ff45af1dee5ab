package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/concilia-dev/concilia/cmd/concilia/config"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "concilia",
	Short: "Bank movement reconciliation engine",
	Long: `Concilia matches bank movements against expenses and invoices. It
imports statement exports, scores candidate matches per tenant, applies
confident matches automatically and queues the rest for review, with a
complete audit trail behind every decision.

Examples:
  concilia import --tenant acme --account main --file statement.csv
  concilia reconcile --tenant acme
  concilia serve --addr :8080
  concilia export --tenant acme --format csv --output audit.csv`,
	Version: getVersionString(),
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	config.SetDefaults(viper.GetViper())
}

// initConfig reads in the config file and environment variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(1)
		}
	}

	viper.SetEnvPrefix("CONCILIA")
	viper.AutomaticEnv()
}

// loadConfig builds the validated process config and installs the logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.NewLogger(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	logger.SetGlobalLogger(log)

	return cfg, nil
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
