package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/avmitin/nsproxy/internal/state"
	"github.com/avmitin/nsproxy/internal/store/sqlite"
)

// runStatus prints the provisioned namespaces, the random rotation, and
// optionally recent session history from the session log.
func runStatus(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	stateDir := fs.String("state-dir", envOr("NSPROXY_STATE_DIR", state.DefaultDir), "State directory")
	sessionDB := fs.String("session-db", envOr("NSPROXY_SESSION_DB", sqlite.DefaultPath), "Session log SQLite path")
	history := fs.Int("history", 0, "Show the last n sessions")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st := state.New(*stateDir).Load()
	now := time.Now()

	if len(st.Namespaces) == 0 {
		fmt.Println("no namespaces provisioned")
	} else {
		slugs := make([]string, 0, len(st.Namespaces))
		for slug := range st.Namespaces {
			slugs = append(slugs, slug)
		}
		sort.Strings(slugs)

		fmt.Printf("%-16s %-10s %-10s %-8s %s\n", "IDENTITY", "NAMESPACE", "STATUS", "PID", "LAST USED")
		for _, slug := range slugs {
			nsCtx := st.Namespaces[slug]
			pid := fmt.Sprintf("%d", nsCtx.TunnelPID)
			if nsCtx.Direct() {
				pid = "-"
			}
			fmt.Printf("%-16s %-10s %-10s %-8s %s ago\n",
				slug, nsCtx.Name, nsCtx.Status, pid,
				now.Sub(nsCtx.LastUsed).Round(time.Second))
		}
	}

	if st.Random != nil {
		remaining := time.Until(st.Random.ExpiresAt).Round(time.Second)
		if remaining < 0 {
			fmt.Printf("random identity: %s (rotation overdue)\n", st.Random.Slug)
		} else {
			fmt.Printf("random identity: %s (rotates in %s)\n", st.Random.Slug, remaining)
		}
	}

	if *history > 0 {
		if err := printHistory(ctx, *sessionDB, *history); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}
	return 0
}

func printHistory(ctx context.Context, path string, n int) error {
	store, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	sessions, err := store.RecentSessions(ctx, n)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no recorded sessions")
		return nil
	}

	fmt.Printf("\n%-16s %-24s %-10s %10s %10s  %s\n", "IDENTITY", "TARGET", "OUTCOME", "UP", "DOWN", "ENDED")
	for _, sess := range sessions {
		fmt.Printf("%-16s %-24s %-10s %10d %10d  %s\n",
			sess.Slug, sess.Target, sess.Outcome,
			sess.BytesUp, sess.BytesDown,
			sess.EndedAt.Local().Format(time.RFC3339))
	}

	totals, err := store.TotalsBySlug(ctx)
	if err != nil {
		return err
	}
	if len(totals) > 0 {
		fmt.Println()
		for _, tot := range totals {
			fmt.Printf("%-16s %d sessions, %d up, %d down\n",
				tot.Slug, tot.Sessions, tot.BytesUp, tot.BytesDown)
		}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
