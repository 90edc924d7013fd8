package main

import (
	"github.com/spf13/cobra"

	"github.com/scrape-flow/service"
)

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "service install|uninstall|start|stop|restart|status|run",
		Short:     "Manage the OS service that runs the daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"install", "uninstall", "start", "stop", "restart", "status", "run"},
		RunE:      runService,
	}
	cmd.Flags().String("log-file", "logs/scrapeflow.log", "log file used when running under the service manager")
	return cmd
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	d := service.NewDaemon(cfg, version, logger)
	d.RestartOnUpdate = true
	logFile, _ := cmd.Flags().GetString("log-file")
	prg := &service.Program{Daemon: d, LogFile: logFile}

	configPath, _ := cmd.Flags().GetString("config")
	mgr, err := service.NewManager(prg, configPath)
	if err != nil {
		return err
	}
	if args[0] == "run" {
		return mgr.Run()
	}
	return mgr.Control(args[0], cmd.OutOrStdout())
}
