package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/concilia-dev/concilia/pkg/errors"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// CLIErrorHandler turns engine errors into user-facing messages and exit
// codes
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
}

// NewCLIErrorHandler creates a CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.GetGlobalLogger().WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
	}
}

// HandleError prints a friendly message and returns the process exit code
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	h.logger.WithError(err).Error("Command failed")

	appErr, ok := errors.AsError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", appErr.Message)

	if len(appErr.Context) > 0 {
		fmt.Fprintf(os.Stderr, "\nContext:\n")
		for key, value := range appErr.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", key, value)
		}
	}

	if appErr.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", appErr.Suggestion)
	}

	if help := categoryHelp(appErr.Category); help != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", help)
	}

	if h.verbose && appErr.Cause != nil {
		fmt.Fprintf(os.Stderr, "\nUnderlying error: %v\n", appErr.Cause)
	}

	return appErr.GetExitCode()
}

func categoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryValidation:
		return "Check the input data format and try again."
	case errors.CategoryConflict:
		return "Another process changed the same records. Re-run the command."
	case errors.CategoryStale:
		return "The suggestion no longer matches current state. Regenerate suggestions for the movement."
	case errors.CategoryConfiguration:
		return "Check the configuration file and CONCILIA_* environment variables."
	case errors.CategoryExternal:
		return "An external service is unavailable. The engine degrades gracefully; retry once the service recovers."
	case errors.CategoryStorage:
		return "Check database connectivity and the storage.dsn setting."
	default:
		return ""
	}
}
