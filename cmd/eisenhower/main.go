// Command eisenhower manages tasks on an Eisenhower matrix from the shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nhle/eisenhower/internal/app"
	"github.com/nhle/eisenhower/internal/logger"
	"github.com/nhle/eisenhower/internal/model"
)

// Version information set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type command struct {
	summary string
	run     func(ctx context.Context, a *app.App, args []string, w io.Writer) error
}

var commands = map[string]command{
	"add":      {"add a task", runAdd},
	"list":     {"list tasks", runList},
	"move":     {"move a task to another quadrant", runMove},
	"done":     {"toggle task completion", runDone},
	"delete":   {"delete a task and its images", runDelete},
	"stats":    {"show counts per quadrant", runStats},
	"classify": {"classify tasks with the configured backend", runClassify},
	"config":   {"show or save the configuration, manage the API key", runConfig},
	"attach":   {"attach an image to a task", runAttach},
	"detach":   {"remove an image from a task", runDetach},
	"project":  {"manage projects (add, list, delete, select)", runProject},
	"note":     {"manage notes (add, list, show, edit, delete)", runNote},
	"serve":    {"serve attachments over HTTP", runServe},
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "eisenhower:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("eisenhower", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	configPath := fs.String("config", model.DefaultConfigPath(), "path to the YAML config file")
	ephemeral := fs.Bool("ephemeral", false, "keep state in memory for this run only")
	logLevel := fs.String("log-level", "", "override the configured log level")
	showVersion := fs.BoolP("version", "v", false, "print version and exit")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Fprintf(stdout, "eisenhower %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return errors.New("no command given")
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		usage(stderr, fs)
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := model.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := logger.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []app.Option{app.WithLogger(log)}
	if *ephemeral {
		opts = append(opts, app.WithEphemeral())
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			log.Error("shutdown failed", zap.Error(err))
		}
	}()
	a.Listen(cancel)

	return cmd.run(ctx, a, fs.Args()[1:], stdout)
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: eisenhower [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fmt.Fprint(w, fs.FlagUsages())
}
