package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/buildinfo"
	"github.com/matzehuels/forge/pkg/config"
	"github.com/matzehuels/forge/pkg/definition"
	"github.com/matzehuels/forge/pkg/forge"
	"github.com/matzehuels/forge/pkg/merge"
	"github.com/matzehuels/forge/pkg/observability"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// appName is the application name used for display and tracing.
	appName = "forge"

	// defaultKind is the kind assumed for references without a "kind:" prefix.
	defaultKind = definition.KindAgent
)

// Log levels exported for use in main.go.
const (
	LogDebug = log.DebugLevel
	LogInfo  = log.InfoLevel
)

// =============================================================================
// CLI - Central CLI State
// =============================================================================

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger

	out        io.Writer
	configFile string
	verbose    bool
	trace      bool
	jsonOut    bool

	// dir and home override the config lookup directories; tests set them.
	dir, home string

	client   *forge.Client
	shutdown func(context.Context) error

	// pick replaces the interactive conflict picker.
	pick func([]merge.Conflict) (map[string]any, bool, error)
}

// New creates a new CLI instance with a default logger. Command output goes
// to stdout; the logger writes to w.
func New(w io.Writer, level log.Level) *CLI {
	return &CLI{
		Logger: newLogger(w, level),
		out:    os.Stdout,
	}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// RootCommand creates the root cobra command with all subcommands registered.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   appName,
		Short: "Forge resolves and pins agent, tool, workflow and template definitions",
		Long: `Forge resolves versioned definitions across a project directory, a user
directory and remote registries, pins them in a lockfile, and keeps local
forks in sync with their upstream.

References are written [kind:]name[@constraint], for example
"writer", "tool:search@^0.3" or "workflow:plan@~1.2". The kind defaults
to agent.`,
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.verbose {
				c.SetLogLevel(LogDebug)
			}
			if c.trace {
				shutdown, err := observability.SetupTracing(cmd.ErrOrStderr(), appName)
				if err != nil {
					return err
				}
				c.shutdown = shutdown
			}
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}

	root.SetVersionTemplate(buildinfo.Template())
	root.SetOut(c.out)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configFile, "config", "c", "", "config file (default ./.forge/config.yaml or ~/.forge/config.yaml)")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVar(&c.trace, "trace", false, "write OpenTelemetry spans to stderr")
	flags.BoolVar(&c.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(c.resolveCommand())
	root.AddCommand(c.listCommand())
	root.AddCommand(c.infoCommand())
	root.AddCommand(c.graphCommand())
	root.AddCommand(c.lockCommand())
	root.AddCommand(c.verifyCommand())
	root.AddCommand(c.outdatedCommand())
	root.AddCommand(c.forkCommand())
	root.AddCommand(c.upstreamCommand())
	root.AddCommand(c.mergeCommand())
	root.AddCommand(c.diffCommand())
	root.AddCommand(c.rebaseCommand())
	root.AddCommand(c.forksCommand())
	root.AddCommand(c.cacheCommand())
	root.AddCommand(c.serveCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// =============================================================================
// Client Factory
// =============================================================================

// loadConfig reads the configuration and applies its log level unless
// --verbose already raised it.
func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{File: c.configFile, Dir: c.dir, Home: c.home})
	if err != nil {
		return nil, err
	}
	if !c.verbose {
		c.SetLogLevel(cfg.Level())
	}
	return cfg, nil
}

// clientFor returns the engine, creating it on first use.
func (c *CLI) clientFor(ctx context.Context) (*forge.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := forge.New(ctx, cfg, forge.WithLogger(c.Logger))
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// close releases the client and flushes pending spans.
func (c *CLI) close(ctx context.Context) error {
	var err error
	if c.client != nil {
		err = c.client.Close()
		c.client = nil
	}
	if c.shutdown != nil {
		if serr := c.shutdown(ctx); err == nil {
			err = serr
		}
		c.shutdown = nil
	}
	return err
}

// =============================================================================
// Argument Helpers
// =============================================================================

// parseRef parses a "[kind:]name[@constraint]" argument.
func parseRef(s string) (definition.Reference, error) {
	return definition.ParseReference(s, defaultKind)
}

// parseKindArg parses an optional kind argument; no argument means all kinds.
func parseKindArg(args []string) (definition.Kind, error) {
	if len(args) == 0 {
		return "", nil
	}
	return definition.ParseKind(args[0])
}

// printJSON writes v as indented JSON to the command output.
func (c *CLI) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
