package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var accountID string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the risk report of a managed account",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, a *app) error {
		e, err := a.engine(accountID)
		if err != nil {
			return err
		}
		report, err := e.RiskReport(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	}),
}

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Close every open position of a managed account",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, a *app) error {
		e, err := a.engine(accountID)
		if err != nil {
			return err
		}
		all, err := e.CloseAllPositions(ctx)
		if !all {
			return fmt.Errorf("some positions are still open: %w", err)
		}
		fmt.Println("All positions closed.")
		return nil
	}),
}

func init() {
	for _, c := range []*cobra.Command{reportCmd, closeAllCmd} {
		c.Flags().StringVarP(&accountID, "account", "a", "", "managed account id (required)")
		_ = c.MarkFlagRequired("account")
		rootCmd.AddCommand(c)
	}
}

// withEngine connects the configured accounts for a one-shot command.
func withEngine(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a)
	}
}
