// Command logstream-ingest receives line-based logs and delivers them in batches
// to Azure Data Explorer, a JSON file or the console.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bodsch.me/logstream-ingest/internal/cli"
	"bodsch.me/logstream-ingest/internal/config"
	"bodsch.me/logstream-ingest/pkg/logstreamingest"
	"bodsch.me/logstream-ingest/pkg/version"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = -1
)

// main is the CLI entry point.
func main() {
	os.Exit(run())
}

// run parses configuration, constructs the application, and blocks until shutdown.
func run() int {
	opts, err := cli.Parse(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return exitOK
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitUsage
	}

	if opts.Version {
		printVersion()
		return exitOK
	}

	if opts.PrintExampleConfig {
		_, _ = fmt.Fprintln(os.Stdout, config.ExampleYAML())
		return exitOK
	}

	cfg, err := config.LoadFile(opts.ConfigPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitUsage
	}
	opts.ApplyOverrides(&cfg)
	if err := cfg.LoadEnv(opts.EnvFile); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitUsage
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: invalid configuration:\n%v\n", err)
		return exitUsage
	}

	app, err := logstreamingest.New(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return exitFailure
	}

	return exitOK
}

func printVersion() {
	fmt.Println("logstream-ingest")
	fmt.Printf("Version:   %s\n", version.Version)
	fmt.Printf("Commit:    %s\n", version.GitCommit)
	fmt.Printf("BuildDate: %s\n", version.BuildDate)
}
