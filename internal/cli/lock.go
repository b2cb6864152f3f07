package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/lockfile"
	"github.com/matzehuels/forge/pkg/update"
)

// lockCommand creates the "lock" command.
func (c *CLI) lockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock [ref...]",
		Short: "Resolve and pin definitions in the lockfile",
		Long: `Resolve the given definitions and everything they reference, and pin
each to an exact version, source and integrity hash. Without arguments
every definition in the local tier is a root.

The lockfile is only rewritten when a pin changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			roots := make([]lockfile.Root, 0, len(args))
			for _, arg := range args {
				ref, err := parseRef(arg)
				if err != nil {
					return err
				}
				roots = append(roots, lockfile.Root{Kind: ref.Kind, Name: ref.Name, Constraint: ref.Constraint})
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			prog := newProgress(loggerFromContext(ctx))
			spin := c.startSpinner(ctx, "Resolving definitions...")
			lf, changed, err := client.Lock(ctx, roots...)
			spin.Stop()
			if err != nil {
				return err
			}
			prog.done("Locked", "entries", len(lf.Entries), "changed", changed)

			if c.jsonOut {
				return c.printJSON(lf)
			}
			if changed {
				printSuccess(c.out, "Locked %d definitions", len(lf.Entries))
			} else {
				printSuccess(c.out, "Lockfile is up to date (%d definitions)", len(lf.Entries))
			}
			printFile(c.out, client.Config.Lockfile)
			return nil
		},
	}
}

// verifyCommand creates the "verify" command.
func (c *CLI) verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every pinned definition still has its recorded hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			spin := c.startSpinner(ctx, "Verifying lockfile...")
			res, err := client.Verify(ctx)
			spin.Stop()
			if err != nil {
				return err
			}

			if c.jsonOut {
				if err := c.printJSON(res); err != nil {
					return err
				}
				return res.Err()
			}
			if res.Valid {
				printSuccess(c.out, "All %d lockfile entries verified", res.Checked)
				return nil
			}
			for _, m := range res.Mismatches {
				printError(c.out, "%s", m.Key)
				printDetail(c.out, "expected %s", shortHash(m.Expected))
				if m.Actual != "" {
					printDetail(c.out, "got      %s", shortHash(m.Actual))
				} else {
					printDetail(c.out, "%s", m.Reason)
				}
			}
			printNextStep(c.out, "Re-pin after reviewing the changes", "forge lock")
			return res.Err()
		},
	}
}

// outdatedCommand creates the "outdated" command.
func (c *CLI) outdatedCommand() *cobra.Command {
	var breakingOnly bool

	cmd := &cobra.Command{
		Use:   "outdated",
		Short: "List pinned definitions with newer versions available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			spin := c.startSpinner(ctx, "Checking for updates...")
			infos, err := client.Outdated(ctx)
			spin.Stop()
			if err != nil {
				return err
			}
			if breakingOnly {
				kept := infos[:0]
				for _, info := range infos {
					if info.Breaking {
						kept = append(kept, info)
					}
				}
				infos = kept
			}

			if c.jsonOut {
				return c.printJSON(struct {
					Updates []update.Info  `json:"updates"`
					Summary update.Summary `json:"summary"`
				}{infos, update.Summarize(infos)})
			}
			if len(infos) == 0 {
				printSuccess(c.out, "Everything is up to date")
				return nil
			}
			for _, info := range infos {
				line := fmt.Sprintf("%s %s %s %s", StyleHighlight.Render(info.ID()), info.Current, iconArrow, StyleValue.Render(info.Latest))
				fmt.Fprintln(c.out, line+"  "+styleChange(info.Change)+"  "+StyleDim.Render(info.Source))
			}
			s := update.Summarize(infos)
			printDetail(c.out, "%d updates: %d breaking, %d minor, %d patch, %d other", s.Total, s.Breaking, s.Minor, s.Patch, s.Other)
			printNextStep(c.out, "Pin the new versions", "forge lock")
			return nil
		},
	}

	cmd.Flags().BoolVar(&breakingOnly, "breaking", false, "only list major version changes")

	return cmd
}
