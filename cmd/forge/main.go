package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matzehuels/forge/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	c := cli.New(os.Stderr, cli.LogInfo)
	err := c.Execute(ctx, os.Args[1:])
	c.PrintError(os.Stderr, err)

	cancel()
	os.Exit(cli.ExitCode(err)) // 130 on interrupt, the shell convention for SIGINT
}
