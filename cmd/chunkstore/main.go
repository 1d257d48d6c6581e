package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkstore/internal/core"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

const usage = `usage: chunkstore [flags] <command> [args]

commands:
  put <id> [file]      store file (or stdin) as object id
  create [file]        store file (or stdin) under a new random id
  get <id> [file]      write object id to file (or stdout)
  stat <id>            print the manifest of id
  rm <id>              delete object id
  ls [prefix]          list object ids
  gc                   delete unreferenced chunks
  serve                run periodic gc and the admin endpoint

flags:
`

// errUsage reports a malformed command line.
var errUsage = errors.New("invalid usage")

// Run executes one command line against the configured store.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("chunkstore", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	core.Flags(fs)
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before configuration")
	byteRange := fs.String("range", "", "byte range start:end for get")
	ifVersion := fs.Int64("if-version", -1, "only put if the object is at this version (0 means absent)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	handler := log.NewWithOptions(stderr, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    level == log.DebugLevel,
	})

	slog.SetDefault(slog.New(handler))

	if err := core.LoadDotEnv(*envFile); err != nil {
		return err
	}

	cfg, err := core.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cmd := command{
		name:      fs.Arg(0),
		args:      fs.Args()[1:],
		cfg:       cfg,
		stdin:     stdin,
		stdout:    stdout,
		byteRange: *byteRange,
		ifVersion: *ifVersion,
	}
	return cmd.run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := Run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()

	if err != nil {
		slog.Error("chunkstore exited with error", "error", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
