// Command creditledger runs and operates the credit ledger service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "creditledger",
		Short:         "Metered usage credits with plan allowances and rollover",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "creditledger.yaml", "path to config file")

	root.AddCommand(
		newServeCmd(opts),
		newOpenCmd(opts),
		newBalanceCmd(opts),
		newConsumeCmd(opts),
		newGrantCmd(opts),
		newResetCmd(opts),
		newHistoryCmd(opts),
		newVerifyCmd(opts),
		newReconcileCmd(opts),
	)
	return root
}

// withApp loads the config, wires the service, runs fn and tears it down.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadServiceConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
