// authme validates license keys against the AuthMe authority from the
// command line, prints this device's hardware id, and runs the license
// sidecar API.
//
// Usage:
//
//	authme [--config file] <command> [flags] [args]
//
// Commands:
//
//	validate <key>   validate a license key
//	auth <key>       validate and report security violations
//	hwid             print this device's hardware id
//	ping             check that the authority is reachable
//	analytics        fetch validation statistics, optionally export them
//	serve            run the sidecar HTTP API
//
// Configuration comes from the optional YAML file and AUTHME_* environment
// variables. Logs are written to stderr; results go to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks command line mistakes, which exit with exitUsage.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// errFailed reports an unsuccessful outcome that has already been printed.
var errFailed = errors.New("command failed")

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *environment, args []string) error
}

var commands = []command{
	{"validate", "validate a license key", runValidate},
	{"auth", "validate a license key and report security violations", runAuth},
	{"hwid", "print this device's hardware id", runHWID},
	{"ping", "check that the license authority is reachable", runPing},
	{"analytics", "fetch validation statistics", runAnalytics},
	{"serve", "run the license sidecar HTTP API", runServe},
}

// environment carries the global flags and output streams to commands.
type environment struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env := &environment{stdout: stdout, stderr: stderr}

	flagSet := pflag.NewFlagSet("authme", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&env.configPath, "config", "c", "", "path to a YAML configuration file")
	version := flagSet.Bool("version", false, "print the version and exit")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *version {
		printVersion(stdout)
		return exitOK
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return exitUsage
	}

	for _, cmd := range commands {
		if cmd.name != rest[0] {
			continue
		}
		return exitCode(stderr, cmd.run(ctx, env, rest[1:]))
	}
	fmt.Fprintf(stderr, "error: unknown command %q\n", rest[0])
	printUsage(stderr, flagSet)
	return exitUsage
}

func exitCode(stderr io.Writer, err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, pflag.ErrHelp):
		return exitOK
	case errors.As(err, &usage):
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	case errors.Is(err, errFailed):
		return exitFailure
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: authme [--config file] <command> [flags] [args]\n\nCommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n%s", flagSet.FlagUsages())
}
