package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/matzehuels/forge/pkg/errors"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitInterrupted = 130
)

// Execute runs the root command with args. The engine is released even when
// the command fails.
func (c *CLI) Execute(ctx context.Context, args []string) error {
	root := c.RootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if cerr := c.close(context.WithoutCancel(ctx)); err == nil {
		err = cerr
	}
	return err
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case stderrors.Is(err, context.Canceled):
		return ExitInterrupted
	}
	return ExitError
}

// PrintError writes err for a user. Errors carrying a code are shown
// without it; the full chain is logged at debug level.
func (c *CLI) PrintError(w io.Writer, err error) {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return
	}
	c.Logger.Debug("command failed", "code", errors.GetCode(err), "err", err)
	printError(w, "%s", errors.UserMessage(err))
	if code := errors.GetCode(err); code != "" {
		fmt.Fprintln(w, "  "+StyleDim.Render(string(code)))
	}
}
