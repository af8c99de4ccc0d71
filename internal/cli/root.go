// Package cli implements the nsproxy command line: serving the proxy
// front ends and daemon, and the operator commands that inspect or tear
// down namespace state.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "stop-all":
		return runStopAll(ctx, args[1:])
	case "rotate-random":
		return runRotateRandom(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}
