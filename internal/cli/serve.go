package cli

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/config"
	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/resolver"
)

const shutdownTimeout = 10 * time.Second

// serveCommand creates the "serve" command.
func (c *CLI) serveCommand() *cobra.Command {
	var (
		addr string
		tier string
		name string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a filesystem tier as a registry over HTTP",
		Long: `Serve the local or global tier so other machines can add it as a
registry. The manifest is served at /manifest.json and artifacts at
/<kinds>/<name>/<version>/definition.yaml.`,
		Example: `  forge serve
  forge serve --tier global --addr :8080 --name team`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = client.Config.Serve.Addr
			}
			if name == "" {
				name = tier
			}

			handler, err := client.RegistryServer(tier, name)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return errors.Wrap(errors.ErrCodeNetwork, err, "listen on %s", addr)
			}
			srv := &http.Server{
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			logger := loggerFromContext(ctx)
			printSuccess(c.out, "Serving %s tier as registry %s", tier, StyleHighlight.Render(name))
			printDetail(c.out, "%s", StyleLink.Render("http://"+ln.Addr().String()+"/manifest.json"))
			logger.Info("registry listening", "addr", ln.Addr().String(), "tier", tier)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve(ln) }()

			select {
			case err := <-errCh:
				if err != http.ErrServerClosed {
					return errors.Wrap(errors.ErrCodeNetwork, err, "serve")
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			logger.Info("shutting down registry")
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errors.Wrap(errors.ErrCodeInternal, err, "shutdown")
			}
			return ctx.Err()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default serve.addr, "+config.DefaultServeAddr+")")
	cmd.Flags().StringVar(&tier, "tier", resolver.SourceLocal, "tier to serve: local or global")
	cmd.Flags().StringVar(&name, "name", "", "registry name reported in the manifest (default the tier name)")

	return cmd
}
