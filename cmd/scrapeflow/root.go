package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrape-flow/config"
	"github.com/scrape-flow/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scrapeflow",
		Short:         "Scrapeflow logs into web portals and extracts tables to files",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	persistent := cmd.PersistentFlags()
	persistent.String("config", "", "daemon settings file (YAML)")
	persistent.String("log-level", "", "log level (debug|info|warn|error)")
	persistent.String("log-format", "", "log format (console|json)")

	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPipelinesCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newServiceCmd())
	cmd.AddCommand(newUpdateCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// loadSettings reads the settings file and environment, then applies the
// persistent flags that were set explicitly.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	cfg, err := config.Load(cmd.Context(), path)
	if err != nil {
		return cfg, err
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}
