package cli

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/forge/pkg/errors"
	"github.com/matzehuels/forge/pkg/fsutil"
	"github.com/matzehuels/forge/pkg/graph"
)

// Graph output formats.
const (
	formatText = "text"
	formatDOT  = "dot"
	formatSVG  = "svg"
	formatJSON = "json"
)

// graphCommand creates the "graph" command.
func (c *CLI) graphCommand() *cobra.Command {
	var (
		format   string
		output   string
		detailed bool
	)

	cmd := &cobra.Command{
		Use:   "graph <ref>",
		Short: "Print the dependency graph of a definition",
		Long: `Resolve a definition and everything it references, then print the graph.

Formats:
  text  an indented tree (default)
  dot   Graphviz DOT
  svg   rendered with Graphviz
  json  nodes in dependency order with their edges`,
		Example: `  forge graph writer
  forge graph workflow:plan --format svg -o plan.svg`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			if c.jsonOut {
				format = formatJSON
			}
			client, err := c.clientFor(ctx)
			if err != nil {
				return err
			}

			prog := newProgress(loggerFromContext(ctx))
			g, err := client.Builder.Build(ctx, ref.Kind, ref.Name, ref.Constraint)
			if err != nil {
				return err
			}
			prog.done("Built graph", "root", g.Root().Resolved.Definition.String(), "nodes", g.Len())

			var buf bytes.Buffer
			switch strings.ToLower(format) {
			case formatText:
				writeTree(&buf, g, detailed)
			case formatDOT:
				buf.WriteString(graph.ToDOT(g, graph.DOTOptions{Detailed: detailed}))
			case formatSVG:
				svg, err := graph.RenderSVG(ctx, graph.ToDOT(g, graph.DOTOptions{Detailed: detailed}))
				if err != nil {
					return err
				}
				buf.Write(svg)
			case formatJSON:
				if err := g.WriteJSON(&buf); err != nil {
					return err
				}
			default:
				return errors.New(errors.ErrCodeInvalidInput, "unknown graph format %q (want text, dot, svg or json)", format)
			}

			if output == "" || output == "-" {
				_, err := c.out.Write(buf.Bytes())
				return err
			}
			if err := fsutil.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
				return err
			}
			printSuccess(c.out, "Wrote %s graph of %s", format, g.Root().ID())
			printFile(c.out, output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", formatText, "output format: text, dot, svg or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&detailed, "detailed", false, "include source and integrity")

	return cmd
}

// writeTree prints g as an indented tree from its root. A node reached a
// second time is printed once more without its children.
func writeTree(w io.Writer, g *graph.Graph, detailed bool) {
	seen := make(map[int]bool, g.Len())
	var walk func(n *graph.Node, prefix string, last, top bool)
	walk = func(n *graph.Node, prefix string, last, top bool) {
		branch, childPrefix := "", ""
		if !top {
			branch, childPrefix = "├── ", prefix+"│   "
			if last {
				branch, childPrefix = "└── ", prefix+"    "
			}
		}

		label := n.ID() + "@" + n.Version()
		if detailed {
			label += " " + StyleDim.Render(joinDim(n.Resolved.Source, shortHash(n.Resolved.Integrity)))
		}
		if seen[n.Index] && len(n.Deps) > 0 {
			fmt.Fprintln(w, prefix+branch+label+StyleDim.Render(" (shown above)"))
			return
		}
		seen[n.Index] = true
		fmt.Fprintln(w, prefix+branch+label)

		deps := g.Dependencies(n)
		for i, dep := range deps {
			walk(dep, childPrefix, i == len(deps)-1, false)
		}
	}
	walk(g.Root(), "", true, true)
}
