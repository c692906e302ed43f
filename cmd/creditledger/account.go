package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
)

func newOpenCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <account> <tier>",
		Short: "Open an account on a tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acc, err := a.engine.OpenAccount(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printAccount(cmd, acc)
			})
		},
	}
}

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <account>",
		Short: "Show an account's balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				b, err := a.engine.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "ACCOUNT\t%s\n", b.AccountID)
				fmt.Fprintf(w, "TIER\t%s\n", b.Tier)
				fmt.Fprintf(w, "BALANCE\t%s\n", b.Balance)
				fmt.Fprintf(w, "ALLOWANCE\t%s\n", b.MonthlyAllowance)
				fmt.Fprintf(w, "BONUS\t%d\n", b.BonusBalance)
				fmt.Fprintf(w, "CONSUMED\t%d\n", b.ConsumedLifetime)
				fmt.Fprintf(w, "LAST RESET\t%s\n", b.LastResetAt.Format(time.RFC3339))
				fmt.Fprintf(w, "SOURCE\t%s\n", b.Source)
				fmt.Fprintf(w, "SYNC\t%s\n", b.SyncState)
				return w.Flush()
			})
		},
	}
}

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	var (
		quantity int64
		key      string
	)
	cmd := &cobra.Command{
		Use:   "consume <account> <operation>",
		Short: "Charge an operation to an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.engine.CheckAndConsume(ctx, args[0], args[1], quantity, creditledger.WithIdempotencyKey(key))
				if err != nil {
					return err
				}
				if res.Free {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is free, nothing charged\n", res.Operation)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "charged %d, remaining %s (%s)\n", res.Cost, res.Remaining, res.Source)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&quantity, "quantity", "n", 1, "units of the operation")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate retries of this request")
	return cmd
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	var (
		reason string
		key    string
	)
	cmd := &cobra.Command{
		Use:   "grant <account> <amount>",
		Short: "Grant non-expiring bonus credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acc, err := a.engine.GrantBonus(ctx, args[0], amount, reason, creditledger.WithIdempotencyKey(key))
				if err != nil {
					return err
				}
				return printAccount(cmd, acc)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual grant", "reason recorded in the transaction log")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate retries of this request")
	return cmd
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <account>",
		Short: "Apply the monthly reset to an account now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acc, err := a.engine.ApplyMonthlyReset(ctx, args[0])
				if err != nil {
					return err
				}
				return printAccount(cmd, acc)
			})
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <account>",
		Short: "List an account's transactions, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				txs, err := a.engine.GetTransactionHistory(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if len(txs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No transactions.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tKIND\tDELTA\tSOURCE\tREASON")
				for _, tx := range txs {
					fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%s\n",
						tx.CreatedAt.Format(time.RFC3339), tx.Kind, tx.Delta, tx.Source, tx.Reason)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum transactions to show (0 = all)")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account>",
		Short: "Check that the transaction log reproduces the current balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				b, err := a.engine.GetBalance(ctx, args[0])
				if err != nil {
					return err
				}
				if b.Balance.IsUnlimited() {
					fmt.Fprintln(cmd.OutOrStdout(), "unlimited account, nothing to verify")
					return nil
				}
				txs, err := a.engine.GetTransactionHistory(ctx, args[0], 0)
				if err != nil {
					return err
				}
				replayed, ok := creditledger.ReconstructBalance(txs)
				if !ok {
					return fmt.Errorf("no RESET in the history of %s", args[0])
				}
				if replayed != b.Balance.Value() {
					return fmt.Errorf("balance mismatch for %s: ledger %d, log %d", args[0], b.Balance.Value(), replayed)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: balance %d matches the transaction log\n", replayed)
				return nil
			})
		},
	}
}

func printAccount(cmd *cobra.Command, acc creditledger.Account) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tTIER\tBALANCE\tBONUS\tLAST RESET")
	fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
		acc.ID, acc.Tier, acc.Balance, acc.BonusBalance, acc.LastResetAt.Format(time.RFC3339))
	return w.Flush()
}
