package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "copybot",
	Short: "Risk-gated order replication across trading accounts",
	Long: `copybot mirrors fills from source accounts onto target accounts and
guards every managed account with drawdown, loss, exposure and correlation
limits.

Accounts, risk limits and pipeline settings come from the config file;
replication groups live in the group store and are edited with "groups".`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default configs/config.yaml)")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
