package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/cache"
	"github.com/matzehuels/forge/pkg/config"
)

// cacheCommand creates the cache management command.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the registry manifest and artifact cache",
	}

	cmd.AddCommand(c.cacheStatsCommand())
	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cachePathCommand())

	return cmd
}

// cacheStatsCommand creates the "cache stats" subcommand.
func (c *CLI) cacheStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show the number and size of cached entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			stats, err := client.Cache.Stats(ctx)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(struct {
					Backend string `json:"backend"`
					cache.Stats
				}{client.Config.Cache.Backend, stats})
			}
			printKeyValue(c.out, "backend", client.Config.Cache.Backend)
			printKeyValue(c.out, "entries", fmt.Sprint(stats.Count))
			printKeyValue(c.out, "size", humanize.Bytes(uint64(stats.TotalBytes)))
			return nil
		},
	}
}

// cacheClearCommand creates the "cache clear" subcommand.
func (c *CLI) cacheClearCommand() *cobra.Command {
	var opts cache.ClearOptions

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached entries",
		Example: `  forge cache clear
  forge cache clear --pattern 'manifest:*'
  forge cache clear --older-than 72h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			n, err := client.Cache.Clear(ctx, opts)
			if err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(map[string]int{"cleared": n})
			}
			if n == 0 {
				printInfo(c.out, "Nothing to clear")
				return nil
			}
			printSuccess(c.out, "Cleared %d cached entries", n)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "only clear keys matching this glob, e.g. 'artifact:*'")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 0, "only clear entries stored longer ago than this")

	return cmd
}

// cachePathCommand creates the "cache path" subcommand.
func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Cache.Backend != config.BackendFile {
				printInfo(c.out, "The %s cache backend has no directory", cfg.Cache.Backend)
				return nil
			}
			fmt.Fprintln(c.out, cfg.Cache.Dir)
			return nil
		},
	}
}
