// Package main is the adsync command: it publishes, deletes, downloads and
// verifies classified ads described by local YAML/JSON files.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"adsync/config"
	"adsync/selection"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultLogfile = "adsync.log"

var commands = []string{"publish", "verify", "delete", "download", "serve", "help", "version"}

const usage = `Usage: adsync COMMAND [OPTIONS]

Commands:
  publish  - (re-)publishes ads
  verify   - verifies the configuration files
  delete   - deletes ads
  download - downloads one or multiple ads
  serve    - runs the HTTP server, POST /pollz publishes due ads
  --
  help     - displays this help (default command)
  version  - displays the application version

Options:
  --ads=all|due|new|<id(s)> (publish) - specifies which ads to (re-)publish (DEFAULT: due)
        Possible values:
        * all: (re-)publish all ads ignoring republication_interval
        * due: publish all new ads and republish ads according the republication_interval
        * new: only publish new ads (i.e. ads that have no id in the config file)
        * <id(s)>: provide one or several ads by ID to (re-)publish, like e.g. "--ads=1,2,3" ignoring republication_interval
  --ads=all|new|<id(s)> (download) - specifies which ads to download (DEFAULT: new)
        Possible values:
        * all: downloads all ads from your profile
        * new: downloads ads from your profile that are not locally saved yet
        * <id(s)>: provide one or several ads by ID to download, like e.g. "--ads=1,2,3"
  --ads=all|due|new|<id(s)> (delete) - specifies which ads to delete (DEFAULT: due)
  --force           - alias for '--ads=all'
  --keep-old        - don't delete old ads on republication
  --config=<PATH>   - path to the config YAML or JSON file (DEFAULT: ./config.yaml)
  --logfile=<PATH>  - path to the logfile, empty to disable (DEFAULT: ./adsync.log)
  -v, --verbose     - enables verbose output - only useful when troubleshooting issues
`

// usageError is reported with exit status 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

type options struct {
	command string
	ads     string
	keepOld bool
	config  string
	logfile string
	verbose bool
}

// parseArgs reads the command line without the program name. Options may
// appear before or after the command.
func parseArgs(args []string) (options, error) {
	opts := options{config: config.DefaultPath, logfile: defaultLogfile}
	var positional []string

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		name, value, hasValue := strings.Cut(arg, "=")
		takeValue := func() (string, error) {
			if hasValue {
				return value, nil
			}
			if i+1 >= len(args) {
				return "", &usageError{fmt.Sprintf("option %s requires argument", name)}
			}
			i++
			return args[i], nil
		}

		var err error
		switch name {
		case "-h", "--help":
			opts.command = "help"
			return opts, nil
		case "-v", "--verbose":
			opts.verbose = true
		case "--force":
			opts.ads = "all"
		case "--keep-old":
			opts.keepOld = true
		case "--ads":
			var v string
			if v, err = takeValue(); err == nil {
				opts.ads = strings.ToLower(strings.TrimSpace(v))
			}
		case "--config":
			opts.config, err = takeValue()
		case "--logfile":
			opts.logfile, err = takeValue()
		default:
			err = &usageError{fmt.Sprintf("option %s not recognized", name)}
		}
		if err != nil {
			return opts, err
		}
		if hasValue && !slices.Contains([]string{"--ads", "--config", "--logfile"}, name) {
			return opts, &usageError{fmt.Sprintf("option %s must not have an argument", name)}
		}
	}

	switch len(positional) {
	case 0:
		opts.command = "help"
	case 1:
		opts.command = positional[0]
	default:
		return opts, &usageError{fmt.Sprintf("more than one command given: %v", positional)}
	}
	if !slices.Contains(commands, opts.command) {
		return opts, &usageError{fmt.Sprintf("unknown command: %s", opts.command)}
	}
	return opts, nil
}

// newLogger logs to console and, when logfile is set, appends to logfile too.
func newLogger(console io.Writer, logfile string, verbose bool) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	w := console
	closeFn := func() {}
	if logfile != "" {
		abs, err := filepath.Abs(logfile)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve logfile path: %w", err)
		}
		f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open logfile: %w", err)
		}
		w = io.MultiWriter(console, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, closeFn, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one invocation and returns the exit status.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\nUse --help to display available options.\n", err)
		return 2
	}

	switch opts.command {
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "version":
		fmt.Fprintln(stdout, version)
		return 0
	}

	logger, closeLog, err := newLogger(stderr, opts.logfile, opts.verbose)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)
	if opts.logfile != "" {
		logger.Info("Logging to file", "path", opts.logfile, "version", version)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, opts, stdin, stdout, logger); err != nil {
		logger.Error("Command failed", "command", opts.command, "error", err)
		return 1
	}
	return 0
}

func execute(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer, logger *slog.Logger) error {
	cfg, err := config.Load(opts.config, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := newApp(ctx, cfg, appOptions{
		browser: opts.command != "verify",
		keepOld: opts.keepOld,
		serve:   opts.command == "serve",
		stdin:   stdin,
		stdout:  stdout,
	}, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.command == "serve" {
		return a.serve(ctx)
	}

	sel := selection.ForCommand(opts.command, opts.ads, logger)
	_, err = a.runCommand(ctx, opts.command, sel)
	return err
}
