// Package cli translates command-line arguments into an app.Config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/flowgrid/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// inputFlags collects repeated -input name=value flags.
type inputFlags map[string]string

func (f inputFlags) String() string {
	parts := make([]string, 0, len(f))
	for k, v := range f {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (f inputFlags) Set(raw string) error {
	name, value, found := strings.Cut(raw, "=")
	if !found || name == "" {
		return fmt.Errorf("input must be of the form name=value, got %q", raw)
	}
	f[name] = value
	return nil
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("flowgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	// Custom usage/help text function
	flagSet.Usage = func() {
		fmt.Fprint(output, `
FlowGrid - A declarative, dependency-aware workflow runner.

Usage:
  flowgrid [options] [WORKFLOW_PATH]

Arguments:
  WORKFLOW_PATH
    Path to a single .hcl file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	inputs := make(inputFlags)
	workflowFlag := flagSet.String("workflow", "", "Path to the workflow file or directory.")
	wFlag := flagSet.String("w", "", "Path to the workflow file or directory (shorthand).")
	flagSet.Var(inputs, "input", "Workflow input as name=value. Repeatable.")
	dryRunFlag := flagSet.Bool("dry-run", false, "Validate and resolve the workflow without executing any step.")
	storeFlag := flagSet.String("store", "memory", "Run state backend. Options: 'memory', 'sqlite', or 'redis'.")
	sqlitePathFlag := flagSet.String("sqlite-path", "flowgrid.db", "Path to the SQLite database file (store=sqlite).")
	redisAddrFlag := flagSet.String("redis-addr", "localhost:6379", "Redis address (store=redis).")
	redisPassFlag := flagSet.String("redis-password", "", "Redis password (store=redis).")
	redisDBFlag := flagSet.Int("redis-db", 0, "Redis database number (store=redis).")
	maxConcurrencyFlag := flagSet.Int("max-concurrency", 10, "Maximum number of steps in flight. 0 is unbounded.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	showRunFlag := flagSet.String("show-run", "", "Print the status of a past run and exit.")
	showEventsFlag := flagSet.String("show-events", "", "Print the event history of a run and exit.")
	followFlag := flagSet.Bool("follow", false, "With -show-events, keep streaming live events.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *workflowFlag != "" {
		path = *workflowFlag
	} else if *wFlag != "" {
		path = *wFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Workflow path determined.", "path", path)

	if path == "" && *showRunFlag == "" && *showEventsFlag == "" {
		slog.Debug("No workflow path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	// Value validation (log level, store backend, path requirements)
	// lives in app.NewConfig so embedded uses get the same checks.
	config, err := app.NewConfig(app.Config{
		WorkflowPath:    path,
		Inputs:          inputs,
		StoreBackend:    strings.ToLower(*storeFlag),
		SQLitePath:      *sqlitePathFlag,
		RedisAddr:       *redisAddrFlag,
		RedisPass:       *redisPassFlag,
		RedisDB:         *redisDBFlag,
		LogFormat:       strings.ToLower(*logFormatFlag),
		LogLevel:        strings.ToLower(*logLevelFlag),
		HealthcheckPort: *healthPortFlag,
		MaxConcurrency:  *maxConcurrencyFlag,
		DryRun:          *dryRunFlag,
		ShowRun:         *showRunFlag,
		ShowEvents:      *showEventsFlag,
		Follow:          *followFlag,
	})

	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}
