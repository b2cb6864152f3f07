package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/resolver"
)

// resolveCommand creates the "resolve" command.
func (c *CLI) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ref>...",
		Short: "Resolve definitions to a concrete version and tier",
		Long: `Resolve each reference against the local, global and registry tiers,
in that order, and print the selected version, the tier it came from and
its integrity hash.`,
		Example: `  forge resolve writer
  forge resolve tool:search@^0.3 workflow:plan@~1.2`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			results := make([]*resolver.Resolved, 0, len(args))
			for _, arg := range args {
				ref, err := parseRef(arg)
				if err != nil {
					return err
				}
				res, err := client.Resolver.Resolve(ctx, ref.Kind, ref.Name, ref.Constraint)
				if err != nil {
					return err
				}
				results = append(results, res)
			}

			if c.jsonOut {
				return c.printJSON(results)
			}
			for _, res := range results {
				printSuccess(c.out, "%s %s", StyleHighlight.Render(res.ID()), StyleValue.Render(res.Version()))
				printDetail(c.out, "%s", joinDim(res.Source, shortHash(res.Integrity)))
				printFile(c.out, res.Path)
			}
			return nil
		},
	}
}

// listCommand creates the "list" command.
func (c *CLI) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "list [kind]",
		Short:     "List the definitions every tier holds",
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

			listings, err := client.Resolver.ListAvailable(ctx, kind)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(listings)
			}
			if len(listings) == 0 {
				printInfo(c.out, "No definitions found")
				printDetail(c.out, "Searched: %s", strings.Join(client.Resolver.TierNames(), ", "))
				return nil
			}

			source := ""
			for _, l := range listings {
				if l.Source != source {
					source = l.Source
					fmt.Fprintln(c.out, StyleTitle.Render(source))
				}
				latest := l.Latest()
				if latest == "" {
					latest = l.Versions[len(l.Versions)-1]
				}
				printKeyValue(c.out, string(l.Kind), l.Name+" "+StyleDim.Render(latest+fmt.Sprintf(" (%d versions)", len(l.Versions))))
			}
			return nil
		},
	}
}

// infoCommand creates the "info" command.
func (c *CLI) infoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "info <ref>",
		Short: "Show the versions of a definition in every tier",
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

			tiers, err := client.Resolver.Info(ctx, ref.Kind, ref.Name)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(tiers)
			}
			if len(tiers) == 0 {
				printWarning(c.out, "%s not found", ref.ID())
				printDetail(c.out, "Searched: %s", strings.Join(client.Resolver.TierNames(), ", "))
				return nil
			}

			fmt.Fprintln(c.out, StyleTitle.Render(ref.ID()))
			for _, tv := range tiers {
				printKeyValue(c.out, tv.Source, strings.Join(tv.Versions, ", "))
			}
			return nil
		},
	}
}
