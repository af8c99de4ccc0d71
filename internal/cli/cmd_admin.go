package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/avmitin/nsproxy/internal/config"
)

// runStopAll destroys every provisioned namespace and clears the state.
func runStopAll(ctx context.Context, args []string) int {
	cfg, err := config.ParseServeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	a, err := buildApp(cfg, "stop-all")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer a.Close()

	before := len(a.state.Load().Namespaces)
	if err := a.manager.DestroyAll(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("destroyed %d namespace(s)\n", before)
	return 0
}

// runRotateRandom replaces the random identity immediately instead of
// waiting for the rotation interval.
func runRotateRandom(ctx context.Context, args []string) int {
	cfg, err := config.ParseServeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	a, err := buildApp(cfg, "rotate-random")
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer a.Close()

	slug, err := a.resolver.Rotate(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Printf("random identity is now %s\n", slug)
	return 0
}
