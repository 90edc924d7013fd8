package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrape-flow/store"
)

func newPipelinesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Manage stored pipelines and their run history",
	}
	cmd.PersistentFlags().String("db", "", "pipeline store (default from settings)")

	cmd.AddCommand(&cobra.Command{
		Use:   "save NAME FILE",
		Short: "Validate FILE and store it under NAME",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if err := st.SavePipeline(cmd.Context(), args[0], raw); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", args[0])
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored pipelines",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, _ []string) error {
			list, err := st.ListPipelines(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tUPDATED")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show NAME",
		Short: "Print a stored pipeline document",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			p, err := st.GetPipeline(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var doc any
			if err := json.Unmarshal(p.Config, &doc); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a stored pipeline; its run history is kept",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			if err := st.DeletePipeline(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		}),
	})

	runs := &cobra.Command{
		Use:   "runs NAME",
		Short: "Show recent runs of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, st *store.Store, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			results, err := st.RecentRuns(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if format, _ := cmd.Flags().GetString("format"); format == formatJSON {
				return renderJSON(cmd.OutOrStdout(), results)
			}
			return renderPretty(cmd.OutOrStdout(), results)
		}),
	}
	runs.Flags().Int("limit", 20, "maximum runs to show")
	runs.Flags().String("format", formatPretty, "output format (pretty|json)")
	cmd.AddCommand(runs)

	return cmd
}

func withStore(fn func(cmd *cobra.Command, st *store.Store, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("db")
		if path == "" {
			cfg, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			path = cfg.Database
		}
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd, st, args)
	}
}
