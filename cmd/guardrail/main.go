// Command guardrail validates and runs generated SQL and chart code.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// stdin, stdout and stderr are swapped by tests.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type globalOptions struct {
	configPath string
	verbose    bool
	args       []string
}

func main() {
	opts, err := parseGlobalOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
	os.Exit(dispatchSubcommand(opts))
}

// parseGlobalOptions pulls --config and --verbose out of the argument list
// wherever they appear.
func parseGlobalOptions(raw []string) (*globalOptions, error) {
	opts := &globalOptions{}
	if v := strings.TrimSpace(os.Getenv("GUARDRAIL_CONFIG")); v != "" {
		opts.configPath = v
	}
	filtered := make([]string, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		switch {
		case arg == "--config" || arg == "-c":
			if i+1 >= len(raw) {
				return nil, fmt.Errorf("%s requires a path", arg)
			}
			i++
			opts.configPath = raw[i]
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--verbose":
			opts.verbose = true
		case arg == "--":
			filtered = append(filtered, raw[i:]...)
			i = len(raw)
		default:
			filtered = append(filtered, arg)
		}
	}
	opts.args = filtered
	return opts, nil
}

func dispatchSubcommand(opts *globalOptions) int {
	args := opts.args
	if len(args) == 0 {
		printHelp()
		return exitUsage
	}
	rest := args[1:]
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return exitOK
	case "--help", "-h", "help":
		printHelp()
		return exitOK
	case "serve":
		return runCommand(func(a []string) error { return runServeCommand(opts, a) }, rest)
	case "sql":
		return runCommand(func(a []string) error { return runSQLCommand(opts, a) }, rest)
	case "classify":
		return runCommand(func(a []string) error { return runClassifyCommand(opts, a) }, rest)
	case "chart":
		return runCommand(func(a []string) error { return runChartCommand(opts, a) }, rest)
	case "report":
		return runCommand(func(a []string) error { return runReportCommand(opts, a) }, rest)
	case "audit":
		return runCommand(func(a []string) error { return runAuditCommand(opts, a) }, rest)
	case "config":
		return runCommand(func(a []string) error { return runConfigCommand(opts, a) }, rest)
	case "logs":
		return runCommand(func(a []string) error { return runLogsCommand(opts, a) }, rest)
	case "sandbox-worker":
		return runCommand(runSandboxWorkerCommand, rest)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		return exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return exitOK
}

func printHelp() {
	fmt.Fprintln(stdout, "guardrail - safety layer for generated SQL and chart code")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "USAGE:")
	fmt.Fprintln(stdout, "  guardrail [--config path] [--verbose] COMMAND [FLAGS]")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "COMMANDS:")
	fmt.Fprintln(stdout, "  serve [--bind host:port]         Start the HTTP API")
	fmt.Fprintln(stdout, "  sql [flags] <query|->            Validate, bound and run one query")
	fmt.Fprintln(stdout, "  classify [flags] <query|->       Show the verdict and bounded SQL without running it")
	fmt.Fprintln(stdout, "  chart --code file [flags]        Evaluate chart code over --data or --query results")
	fmt.Fprintln(stdout, "  report <plan.json|->             Run a multi-block report")
	fmt.Fprintln(stdout, "  audit list|show|stats|prune      Inspect or prune audit records")
	fmt.Fprintln(stdout, "  config show|check|path           Inspect configuration")
	fmt.Fprintln(stdout, "  logs [-n N] [--errors]           Show recent log events")
	fmt.Fprintln(stdout, "  sandbox-worker                   Evaluate one sandbox job from stdin (internal)")
	fmt.Fprintln(stdout, "  version                          Print version information")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "EXIT CODES:")
	fmt.Fprintln(stdout, "  0 success, 1 failure, 2 usage or configuration error,")
	fmt.Fprintln(stdout, "  3 refused (unsafe SQL or capability violation), 4 execution failed")
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "CONFIGURATION:")
	fmt.Fprintln(stdout, "  ~/.guardrail/config.yaml, ./.guardrail/config.yaml, GUARDRAIL_* environment variables")
}

func printVersion() {
	fmt.Fprintf(stdout, "guardrail %s\n", version)
	if commit != "unknown" {
		fmt.Fprintf(stdout, "  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Fprintf(stdout, "  Built:      %s\n", buildDate)
	}
	fmt.Fprintf(stdout, "  Go version: %s\n", runtime.Version())
}
