package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dsdreports/internal/app"
	"dsdreports/internal/reconcile"
)

func openApplication(cmd *cobra.Command) (*app.Application, error) {
	configFile, _ := cmd.Flags().GetString("config")
	return app.NewApplication(configFile)
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Log in, retrieve every configured report and dispatch the results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := openApplication(cmd)
		if err != nil {
			return err
		}
		defer application.Close(context.WithoutCancel(cmd.Context()))

		rep, err := application.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d of %d reports retrieved, %d attachments, dispatched=%t\n",
			rep.RunID, rep.Produced, len(rep.Outcomes), len(rep.Attachments), rep.Dispatched)
		for _, o := range rep.Failed {
			fmt.Fprintf(cmd.OutOrStdout(), "  failed %d %q: %s (%s)\n", o.Job.Sequence, o.Job.Name, o.ErrorKind, o.Error)
		}
		return nil
	},
}

// --- reconcile ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <30-day.csv> <60-day.csv> <90-day.csv>",
	Short: "Merge three store-count extracts into one table",
	Long: `Merge three store-count extracts into one table.

Examples:
  dsdreports reconcile 5_2024-03-09.csv 6_2024-03-09.csv 7_2024-03-09.csv
  dsdreports reconcile a.csv b.csv c.csv --out merged.csv`,
	Args: cobra.ExactArgs(len(reconcile.RequiredPeriods)),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		application, err := openApplication(cmd)
		if err != nil {
			return err
		}
		defer application.Close(context.WithoutCancel(cmd.Context()))

		written, err := application.Reconcile(cmd.Context(), periodPaths(args), out)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), written)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().String("out", "", "output CSV (default: combined_storecounts.csv in the downloads directory)")
}

// periodPaths pairs args with the required periods in order.
func periodPaths(args []string) map[int]string {
	paths := make(map[int]string, len(args))
	for i, p := range reconcile.RequiredPeriods {
		if i < len(args) {
			paths[p] = args[i]
		}
	}
	return paths
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent runs from the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("limit")
		if n < 1 {
			return fmt.Errorf("--limit must be positive")
		}

		application, err := openApplication(cmd)
		if err != nil {
			return err
		}
		defer application.Close(context.WithoutCancel(cmd.Context()))

		return application.History(cmd.Context(), n, cmd.OutOrStdout())
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "number of runs to show")
}
