package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrape-flow/updater"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace this binary with the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ucfg := updater.DefaultConfig(version)
			ucfg.Owner = cfg.Update.Owner
			ucfg.Repo = cfg.Update.Repo
			up, err := updater.New(ucfg, logger)
			if err != nil {
				return err
			}

			if check, _ := cmd.Flags().GetBool("check"); check {
				release, newer, err := up.CheckForUpdate(cmd.Context())
				if err != nil {
					return err
				}
				if !newer {
					fmt.Fprintf(cmd.OutOrStdout(), "scrapeflow %s is up to date\n", version)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scrapeflow %s is available (current %s)\n", release.Version(), version)
				return nil
			}

			latest, updated, err := up.CheckAndUpdate(cmd.Context())
			if err != nil {
				return err
			}
			if !updated {
				fmt.Fprintf(cmd.OutOrStdout(), "scrapeflow %s is up to date\n", version)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated scrapeflow %s -> %s\n", version, latest)
			return nil
		},
	}
	cmd.Flags().Bool("check", false, "only report whether a newer release exists")
	return cmd
}
