// Package cli implements the forge command-line interface.
//
// Commands resolve definitions across the local, global and registry tiers,
// pin them in a lockfile, manage forks of upstream definitions, and operate
// the cache. The CLI is built using cobra and logs with charmbracelet/log.
//
// # Commands
//
// The main commands are:
//   - resolve, list, info: Look up definitions and the versions each tier holds
//   - graph: Print or render the dependency graph of a definition
//   - lock, verify, outdated: Maintain the lockfile
//   - fork, upstream, merge, diff, rebase, forks: Track local forks
//   - cache: Inspect and clear the manifest and artifact cache
//   - serve: Expose a filesystem tier as an HTTP registry
//
// # Logging
//
// All commands support --verbose (-v) for debug-level logging; otherwise the
// configured log_level applies. Loggers are passed through context.Context
// so long-running operations can report elapsed time.
//
// # Example
//
//	import "github.com/matzehuels/forge/internal/cli"
//
//	func main() {
//	    c := cli.New(os.Stderr, cli.LogInfo)
//	    err := c.Execute(ctx, os.Args[1:])
//	    c.PrintError(os.Stderr, err)
//	    os.Exit(cli.ExitCode(err))
//	}
package cli

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// newLogger creates a logger that writes timestamped lines ("14:32:01.45")
// to w at level.
func newLogger(w io.Writer, level log.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// progress logs the completion of an operation with its elapsed time.
// It is not safe for concurrent use.
type progress struct {
	logger *log.Logger
	start  time.Time
}

func newProgress(l *log.Logger) *progress {
	return &progress{logger: l, start: time.Now()}
}

// done logs msg with the elapsed time rounded to the millisecond, e.g.
// "Locked 12 definitions (1.234s)". Extra key/value pairs are passed on.
func (p *progress) done(msg string, kv ...any) {
	kv = append(kv, "elapsed", time.Since(p.start).Round(time.Millisecond))
	p.logger.Info(msg, kv...)
}

type ctxKey int

const loggerKey ctxKey = 0

// withLogger returns a copy of ctx carrying l.
func withLogger(ctx context.Context, l *log.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, l)
}

// loggerFromContext returns the logger attached by withLogger, or
// log.Default() when there is none.
func loggerFromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}
