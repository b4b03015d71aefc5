package main

import (
	"context"
	"copybot/internal/replication"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage replication groups in the group store",
}

var (
	groupSource  string
	groupTargets []string
	groupJSON    bool
)

func init() {
	rootCmd.AddCommand(groupsCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored groups",
		Args:  cobra.NoArgs,
		RunE:  runGroupsList,
	}
	listCmd.Flags().BoolVar(&groupJSON, "json", false, "print groups as JSON")

	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a group copying one source account to its targets",
		Args:  cobra.ExactArgs(1),
		RunE: editGroups(func(a *app, args []string) error {
			return a.reg.CreateGroup(args[0], groupSource, groupTargets)
		}),
	}
	createCmd.Flags().StringVar(&groupSource, "source", "", "source account id (required)")
	createCmd.Flags().StringSliceVar(&groupTargets, "targets", nil, "target account ids")
	_ = createCmd.MarkFlagRequired("source")

	removeCmd := &cobra.Command{
		Use:   "remove NAME",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(1),
		RunE: editGroups(func(a *app, args []string) error {
			return a.reg.RemoveGroup(args[0])
		}),
	}

	addTargetCmd := &cobra.Command{
		Use:   "add-target NAME ACCOUNT",
		Short: "Add a target account to a group",
		Args:  cobra.ExactArgs(2),
		RunE: editGroups(func(a *app, args []string) error {
			return a.reg.AddTarget(args[0], args[1])
		}),
	}

	removeTargetCmd := &cobra.Command{
		Use:   "remove-target NAME ACCOUNT",
		Short: "Remove a target account from a group",
		Args:  cobra.ExactArgs(2),
		RunE: editGroups(func(a *app, args []string) error {
			return a.reg.RemoveTarget(args[0], args[1])
		}),
	}

	enableCmd := &cobra.Command{
		Use:   "enable NAME",
		Short: "Mark a group to be started by run",
		Args:  cobra.ExactArgs(1),
		RunE:  editGroups(setEnabled(true)),
	}
	disableCmd := &cobra.Command{
		Use:   "disable NAME",
		Short: "Keep a group stopped on run",
		Args:  cobra.ExactArgs(1),
		RunE:  editGroups(setEnabled(false)),
	}

	setCmd := &cobra.Command{
		Use:   "set NAME",
		Short: "Change the replication config of a group",
		Args:  cobra.ExactArgs(1),
	}
	f := setCmd.Flags()
	f.Float64("multiplier", 1, "volume multiplier")
	f.Bool("reverse", false, "open the opposite side on targets")
	f.StringSlice("symbols", nil, "only replicate these symbols (empty for all)")
	f.Float64("min-volume", 0, "lower volume bound before the multiplier (0 disables)")
	f.Float64("max-volume", 0, "upper volume bound before the multiplier (0 disables)")
	f.Float64("delay", 0, "seconds to wait before dispatching")
	f.Bool("levels", true, "copy stop loss and take profit")
	f.Float64("adjust-levels", 0, "move copied stop loss and take profit by this percent")
	setCmd.RunE = editGroups(func(a *app, args []string) error {
		cfg, err := a.reg.GetConfig(args[0])
		if err != nil {
			return err
		}
		applyFlags(setCmd, &cfg)
		return a.reg.SetConfig(args[0], cfg)
	})

	groupsCmd.AddCommand(listCmd, createCmd, removeCmd, addTargetCmd, removeTargetCmd, enableCmd, disableCmd, setCmd)
}

// editGroups wraps a registry edit with loading and saving the group store.
func editGroups(edit func(a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.reg.Load(ctx); err != nil {
			return err
		}
		if err := edit(a, args); err != nil {
			return err
		}
		return a.reg.Save(ctx)
	}
}

func setEnabled(enabled bool) func(a *app, args []string) error {
	return func(a *app, args []string) error {
		cfg, err := a.reg.GetConfig(args[0])
		if err != nil {
			return err
		}
		cfg.Enabled = enabled
		return a.reg.SetConfig(args[0], cfg)
	}
}

// applyFlags copies only the flags given on the command line.
func applyFlags(cmd *cobra.Command, cfg *replication.Config) {
	f := cmd.Flags()
	if f.Changed("multiplier") {
		cfg.VolumeMultiplier, _ = f.GetFloat64("multiplier")
	}
	if f.Changed("reverse") {
		cfg.Reverse, _ = f.GetBool("reverse")
	}
	if f.Changed("symbols") {
		cfg.Symbols, _ = f.GetStringSlice("symbols")
	}
	if f.Changed("min-volume") {
		cfg.MinVolume, _ = f.GetFloat64("min-volume")
	}
	if f.Changed("max-volume") {
		cfg.MaxVolume, _ = f.GetFloat64("max-volume")
	}
	if f.Changed("delay") {
		cfg.DelaySeconds, _ = f.GetFloat64("delay")
	}
	if f.Changed("levels") {
		cfg.IncludeLevels, _ = f.GetBool("levels")
	}
	if f.Changed("adjust-levels") {
		cfg.LevelAdjustPercent, _ = f.GetFloat64("adjust-levels")
	}
}

func runGroupsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.reg.Load(ctx); err != nil {
		return err
	}
	groups := a.reg.Groups()
	if groupJSON {
		return printJSON(groups)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tTARGETS\tENABLED\tMULTIPLIER\tREVERSE\tSYMBOLS")
	for _, g := range groups {
		symbols := "*"
		if len(g.Config.Symbols) > 0 {
			symbols = strings.Join(g.Config.Symbols, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%g\t%t\t%s\n",
			g.Name, g.Source, strings.Join(g.Targets, ","), g.Config.Enabled,
			g.Config.VolumeMultiplier, g.Config.Reverse, symbols)
	}
	return w.Flush()
}
