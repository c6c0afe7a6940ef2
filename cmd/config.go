package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dk8moore/dr-website/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Long: `Display the current drctl configuration.

Secrets such as store.redis_url are never printed.

Examples:
  drctl config                # Show all config
  drctl config --path         # Show config file path
  drctl config --json         # Output as JSON`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.Flags().Bool("path", false, "show config file path")
	configCmd.Flags().Bool("json", false, "output as JSON")
}

func runConfig(cmd *cobra.Command, args []string) error {
	printer := newPrinter(cmd)

	showPath, _ := cmd.Flags().GetBool("path")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if showPath {
		if cfg.File == "" {
			printer.Info("No config file found (using defaults)")
		} else {
			printer.Info("Config file: %s", cfg.File)
		}
		return nil
	}

	if jsonOutput {
		return printer.JSON(cfg)
	}

	printer.Header("Current Configuration")

	table := printer.NewTable([]string{"KEY", "VALUE"})
	table.AddRow("api.base_url", cfg.API.BaseURL)
	table.AddRow("api.ws_url", cfg.API.WSURL)
	table.AddRow("api.timeout", cfg.API.Timeout.String())
	table.AddRow("api.rate_limit", fmt.Sprintf("%g/s burst %d", cfg.API.RateLimit, cfg.API.RateBurst))
	table.AddRow("store.backend", cfg.Store.Backend)
	switch cfg.Store.Backend {
	case config.BackendFile:
		table.AddRow("store.file_path", cfg.Store.FilePath)
	case config.BackendRedis:
		table.AddRow("store.redis_key", cfg.Store.RedisKey)
	case config.BackendKubernetes:
		table.AddRow("store.kubernetes_secret", cfg.Store.KubernetesNamespace+"/"+cfg.Store.KubernetesSecret)
	}
	table.AddRow("session.refresh_lead", cfg.Session.RefreshLead.String())
	table.AddRow("session.check_interval", cfg.Session.CheckInterval.String())
	table.AddRow("logging.level", cfg.Logging.Level)
	table.AddRow("logging.format", cfg.Logging.Format)
	table.AddRow("output.colors", fmt.Sprintf("%v", cfg.Output.Colors))
	table.AddRow("telemetry.enabled", fmt.Sprintf("%v", cfg.Telemetry.Enabled))
	table.AddRow("status.listen_addr", cfg.Status.ListenAddr)
	if err := table.Render(); err != nil {
		return err
	}

	printer.PrintHints("config")
	return nil
}
