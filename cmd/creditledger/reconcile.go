package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReconcileCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Fold fallback writes back into the ledger store",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile every diverged account once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				report, err := a.reconciler.RunOnce(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "synced: %d, still diverged: %d, conflicts: %d, failed: %d\n",
					len(report.Synced), len(report.Diverged), len(report.Conflicts), len(report.Failed))

				ids := make([]string, 0, len(report.Failed))
				for id := range report.Failed {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				for _, id := range ids {
					fmt.Fprintf(out, "  %s: %v\n", id, report.Failed[id])
				}
				return nil
			})
		},
	}

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List accounts whose fallback writes could not be applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				entries, err := a.reconciler.Conflicts(ctx)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No conflicts.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ACCOUNT\tFALLBACK BALANCE\tPENDING OPS")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%d\n", e.Account.ID, e.Account.Balance, len(e.Pending))
				}
				return w.Flush()
			})
		},
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve <account>",
		Short: "Drop an account's conflicting fallback writes and keep the ledger store balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acc, err := a.reconciler.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s: balance %s\n", acc.ID, acc.Balance)
				return nil
			})
		},
	}

	cmd.AddCommand(runCmd, conflictsCmd, resolveCmd)
	return cmd
}
