package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fork"
	"github.com/matzehuels/forge/pkg/merge"
)

// forkCommand creates the "fork" command.
func (c *CLI) forkCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fork <ref> [new-name]",
		Short: "Copy an upstream definition into the local tier and track it",
		Long: `Fork copies a definition from the global tier or a registry into the
local tier and records the upstream version it was copied from, so later
upstream releases can be merged into the local copy.`,
		Example: `  forge fork writer
  forge fork tool:search@^1 my-search`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 2 {
				target = args[1]
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			source := ref.Name
			if ref.Constraint != "" {
				source += "@" + ref.Constraint
			}
			rec, err := client.Forks.Fork(ctx, ref.Kind, source, target)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(rec)
			}
			printSuccess(c.out, "Forked %s@%s as %s", rec.Upstream(), rec.UpstreamVersionAtFork, StyleHighlight.Render(rec.Key()))
			printDetail(c.out, "from %s", rec.UpstreamSource)
			printNextStep(c.out, "Check for upstream releases", "forge upstream "+forkArg(rec))
			return nil
		},
	}
}

// upstreamCommand creates the "upstream" command.
func (c *CLI) upstreamCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upstream <ref>",
		Short: "Check whether a fork's upstream has a newer version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			st, err := client.Forks.CheckUpstream(ctx, ref.Kind, ref.Name)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(st)
			}
			if !st.HasUpdate {
				printSuccess(c.out, "%s is up to date with upstream %s", ref.ID(), st.CurrentVersion)
				return nil
			}
			printInfo(c.out, "Upstream has %s %s %s", st.CurrentVersion, iconArrow, StyleHighlight.Render(st.UpstreamVersion))
			printDetail(c.out, "from %s", st.UpstreamSource)
			printNextStep(c.out, "Merge it", "forge merge "+args[0])
			return nil
		},
	}
}

// mergeCommand creates the "merge" command.
func (c *CLI) mergeCommand() *cobra.Command {
	var (
		strategy        string
		resolve         []string
		resolutionsFile string
		interactive     bool
	)

	cmd := &cobra.Command{
		Use:   "merge <ref>",
		Short: "Merge the newest upstream version into a fork",
		Long: `Three-way merge the newest upstream version into the local copy, using
the version the fork was taken from as the common base.

Strategies:
  auto      fail if local and upstream changed the same field (default)
  local     keep the local value of every conflicting field
  upstream  take the upstream value of every conflicting field
  manual    apply --resolve values and report the rest

A --resolve value is base, local, upstream, remove, or any YAML value.
--interactive opens a picker for the conflicts the resolutions leave.
Nothing is written unless every conflict is settled.`,
		Example: `  forge merge my-writer
  forge merge my-writer --strategy upstream
  forge merge my-writer --strategy manual --resolve model=local --resolve 'steps[1].run="make"'
  forge merge my-writer --interactive`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			st, err := merge.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			resolutions, err := loadResolutions(resolutionsFile, resolve)
			if err != nil {
				return err
			}
			if interactive {
				if cmd.Flags().Changed("strategy") && st != merge.StrategyManual {
					return errors.New(errors.ErrCodeInvalidInput, "--interactive implies --strategy manual")
				}
				st = merge.StrategyManual
			}
			if len(resolutions) > 0 && st != merge.StrategyManual {
				return errors.New(errors.ErrCodeInvalidInput, "resolutions need --strategy manual")
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			res, err := client.Forks.Merge(ctx, ref.Kind, ref.Name, st, resolutions)
			if err != nil {
				return err
			}
			if interactive && !res.Success {
				picked, ok, err := c.picker()(res.Unresolved)
				if err != nil {
					return err
				}
				if !ok {
					printWarning(c.out, "Merge aborted, %s is unchanged", ref.ID())
					return nil
				}
				for path, v := range picked {
					resolutions[path] = v
				}
				if res, err = client.Forks.Merge(ctx, ref.Kind, ref.Name, st, resolutions); err != nil {
					return err
				}
			}
			if c.jsonOut {
				if err := c.printJSON(res); err != nil {
					return err
				}
			} else {
				c.printMerge(ref.ID(), res)
			}
			if !res.Success {
				return errors.New(errors.ErrCodeVersionConflict, "%d unresolved merge conflicts in %s", len(res.Unresolved), ref.ID())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(merge.StrategyAuto), "conflict strategy: auto, local, upstream or manual")
	cmd.Flags().StringArrayVarP(&resolve, "resolve", "r", nil, "settle a conflict as path=value (repeatable)")
	cmd.Flags().StringVar(&resolutionsFile, "resolutions", "", "YAML file mapping conflict paths to values")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "pick a side for each conflict in a terminal UI")

	return cmd
}

// picker returns the conflict picker, the terminal UI unless a test set one.
func (c *CLI) picker() func([]merge.Conflict) (map[string]any, bool, error) {
	if c.pick != nil {
		return c.pick
	}
	return pickConflicts
}

func (c *CLI) printMerge(id string, res *fork.MergeResult) {
	if res.Success {
		switch {
		case res.Path == "":
			printSuccess(c.out, "%s already contains upstream %s", id, res.UpstreamVersion)
		default:
			printSuccess(c.out, "Merged upstream %s into %s", res.UpstreamVersion, StyleHighlight.Render(res.Definition.String()))
			printFile(c.out, res.Path)
		}
		if n := len(res.Conflicts); n > 0 {
			printDetail(c.out, "%d conflicts settled with strategy %s", n, res.Strategy)
		}
		return
	}

	printError(c.out, "Merging upstream %s into %s left %d conflicts", res.UpstreamVersion, id, len(res.Unresolved))
	for _, cf := range res.Unresolved {
		fmt.Fprintln(c.out, "  "+StyleDanger.Render(cf.Path))
		printDetail(c.out, "  base     %s", conflictValue(cf.Base, cf.InBase))
		printDetail(c.out, "  local    %s", conflictValue(cf.Local, cf.InLocal))
		printDetail(c.out, "  upstream %s", conflictValue(cf.Upstream, cf.InUpstream))
	}
	if res.Strategy == merge.StrategyAuto {
		printNextStep(c.out, "Pick a side for every conflict", "forge merge "+id+" --strategy local|upstream")
	}
	printNextStep(c.out, "Settle conflicts one by one", "forge merge "+id+" --strategy manual --resolve <path>=<value>")
}

func conflictValue(v any, present bool) string {
	if !present {
		return "(absent)"
	}
	b, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.ReplaceAll(strings.TrimSpace(string(b)), "\n", " ")
}

// loadResolutions reads resolutions from an optional YAML file, then applies
// path=value flags on top.
func loadResolutions(file string, flags []string) (map[string]any, error) {
	out := map[string]any{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "read resolutions")
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "parse resolutions %s", file)
		}
		for path, v := range raw {
			out[path] = merge.ParseResolution(v)
		}
	}
	for _, flag := range flags {
		path, value, ok := strings.Cut(flag, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, errors.New(errors.ErrCodeInvalidInput, "resolution %q is not path=value", flag)
		}
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInvalidInput, err, "resolution value for %s", path)
		}
		out[path] = merge.ParseResolution(v)
	}
	return out, nil
}

// diffCommand creates the "diff" command.
func (c *CLI) diffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <ref>",
		Short: "Show how a fork differs from the newest upstream version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			d, err := client.Forks.Diff(ctx, ref.Kind, ref.Name)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(d)
			}
			if d.Identical() {
				printSuccess(c.out, "%s@%s matches upstream %s", d.Fork, d.LocalVersion, d.UpstreamVersion)
				return nil
			}
			fmt.Fprintln(c.out, StyleTitle.Render(fmt.Sprintf("%s@%s %s upstream %s", d.Fork, d.LocalVersion, iconArrow, d.UpstreamVersion)))
			for _, ch := range d.Changes {
				switch ch.Op {
				case merge.OpAdded:
					fmt.Fprintln(c.out, StyleSuccess.Render(iconAdded+" "+ch.Path)+" "+conflictValue(ch.New, true))
				case merge.OpRemoved:
					fmt.Fprintln(c.out, StyleDanger.Render(iconRemoved+" "+ch.Path)+" "+conflictValue(ch.Old, true))
				default:
					fmt.Fprintln(c.out, StyleWarning.Render(iconChanged+" "+ch.Path))
					if ch.Patch != "" {
						for _, line := range strings.Split(strings.TrimRight(ch.Patch, "\n"), "\n") {
							printDetail(c.out, "%s", line)
						}
					} else {
						printDetail(c.out, "%s %s %s", conflictValue(ch.Old, true), iconArrow, conflictValue(ch.New, true))
					}
				}
			}
			return nil
		},
	}
}

// rebaseCommand creates the "rebase" command.
func (c *CLI) rebaseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <ref>",
		Short: "Move a fork's merge base to the last merged upstream version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			rec, err := client.Forks.Rebase(ctx, ref.Kind, ref.Name)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(rec)
			}
			printSuccess(c.out, "%s now merges against upstream %s", rec.Key(), rec.UpstreamVersionAtFork)
			return nil
		},
	}
}

// forksCommand creates the "forks" command.
func (c *CLI) forksCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "forks [kind]",
		Short:     "List tracked forks",
		ValidArgs: []string{"agent", "tool", "workflow", "template"},
		Args:      cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			kind, err := parseKindArg(args)
			if err != nil {
				return err
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			recs, err := client.Forks.List(ctx, kind)
			if err != nil {
				return err
			}
			if c.jsonOut {
				if recs == nil {
					recs = []*fork.Record{}
				}
				return c.printJSON(recs)
			}
			if len(recs) == 0 {
				printInfo(c.out, "No forks")
				return nil
			}
			for _, rec := range recs {
				fmt.Fprintln(c.out, joinDim(
					StyleHighlight.Render(rec.Key()),
					rec.Upstream()+"@"+rec.CurrentVersion(),
					string(rec.State),
					rec.UpstreamSource,
				))
			}
			return nil
		},
	}
}

// forkArg formats a fork as a command-line reference.
func forkArg(rec *fork.Record) string {
	if rec.Kind == defaultKind {
		return rec.LocalName
	}
	return string(rec.Kind) + ":" + rec.LocalName
}
