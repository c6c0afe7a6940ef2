// Package cmd contains all CLI commands for drctl
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/config"
	"github.com/dk8moore/dr-website/internal/logger"
	"github.com/dk8moore/dr-website/internal/output"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	colorFlag string
	cfg       *config.Config
	log       *slog.Logger
	version   = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drctl",
	Short: "Account and session client for the dr-website API",
	Long: `drctl signs in to the dr-website account API and keeps the session alive.

Tokens are persisted in the configured store and refreshed before they expire;
a request rejected with 401 is retried once after a refresh.

Example usage:
  drctl login --email ann@example.com --password-stdin
  drctl status                 # Check and refresh the stored session
  drctl profile show           # Show the signed in user
  drctl watch --listen         # Keep the session fresh and serve /v1/session
  drctl logout`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

// Execute adds all child commands to the root command and runs it with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .drctl.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	rootCmd.PersistentFlags().StringVar(&colorFlag, "color", "auto", "color output: auto, always, or never")
}

// initConfig reads in config file and ENV variables
func initConfig() error {
	if _, err := output.ParseColorMode(colorFlag); err != nil {
		return &output.CLIError{
			Summary:  err.Error(),
			ExitCode: output.ExitUsageError,
		}
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return &output.CLIError{
			Summary:    "failed to load configuration",
			Detail:     err.Error(),
			Suggestion: "Check .drctl.yaml and DRCTL_* environment variables",
			ExitCode:   output.ExitConfigError,
			Err:        err,
		}
	}
	cfg = loaded

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	log = logger.New(level, cfg.Logging.Format, os.Stderr)
	slog.SetDefault(log)

	log.Debug("configuration loaded",
		"api_base_url", cfg.API.BaseURL,
		"store_backend", cfg.Store.Backend,
		"refresh_lead", cfg.Session.RefreshLead,
	)

	return nil
}

// newPrinter builds a printer honoring --color, --quiet and output.colors
func newPrinter(cmd *cobra.Command) *output.Printer {
	mode, _ := output.ParseColorMode(colorFlag)
	configColors := true
	if cfg != nil {
		configColors = cfg.Output.Colors
	}
	return output.NewPrinterWithOptions(output.PrinterOptions{
		ColorMode:    mode,
		ConfigColors: configColors,
		Quiet:        quiet,
		Out:          cmd.OutOrStdout(),
		Err:          cmd.ErrOrStderr(),
	})
}

// HandleError prints err for the user and returns the process exit code
func HandleError(err error) int {
	if err == nil {
		return output.ExitSuccess
	}

	cliErr := toCLIError(err)
	printer := newPrinter(rootCmd)
	printer.FormatError(cliErr)

	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Run 'drctl --help' for usage.")
	}
	return cliErr.ExitCode
}
