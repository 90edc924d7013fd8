package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scrape-flow/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check workflow documents without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	invalid := 0
	for _, path := range args {
		raw, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			invalid++
			continue
		}
		cfg, err := workflow.Validate(raw)
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			invalid++
			continue
		}
		fmt.Fprintf(out, "ok   %s (%d actions, %d targets)\n", path, len(cfg.Actions), len(cfg.DataExtraction))
	}
	if invalid > 0 {
		return fmt.Errorf("%d of %d documents invalid", invalid, len(args))
	}
	return nil
}
