package cli

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/avmitin/nsproxy/internal/admin"
	"github.com/avmitin/nsproxy/internal/config"
	"github.com/avmitin/nsproxy/internal/daemon"
	"github.com/avmitin/nsproxy/internal/httpconnect"
	"github.com/avmitin/nsproxy/internal/socks"
)

// runServe starts the selected components and blocks until the context is
// canceled or a component fails. Modes: socks, http, daemon, or all.
func runServe(ctx context.Context, args []string) int {
	mode := "all"
	if len(args) > 0 {
		switch args[0] {
		case "socks", "http", "daemon", "all":
			mode = args[0]
			args = args[1:]
		}
	}

	cfg, err := config.ParseServeFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}

	a, err := buildApp(cfg, "serve-"+mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if mode == "socks" || mode == "all" {
		srv := socks.New(cfg.SOCKSListen, a.resolver, a.manager, sessionRecorder(a), a.log)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}
	if mode == "http" || mode == "all" {
		srv := httpconnect.New(cfg.HTTPListen, a.resolver, a.manager, httpSessionRecorder(a), a.log)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}
	if mode == "daemon" || mode == "all" {
		d := daemon.New(daemon.Options{
			Store:          a.state,
			Namespaces:     a.manager,
			Rotator:        a.resolver,
			Notifier:       a.notifier,
			Log:            a.log,
			SweepInterval:  cfg.SweepInterval,
			IdleTimeout:    cfg.IdleTimeout,
			NotifyRotation: cfg.Notify,
		})
		g.Go(func() error { return d.Run(ctx) })
	}
	if cfg.AdminListen != "" {
		srv := admin.New(admin.Options{
			Addr:         cfg.AdminListen,
			State:        a.state,
			Sessions:     adminSessionLog(a),
			Log:          a.log,
			User:         cfg.AdminUser,
			PasswordHash: cfg.AdminPasswordHash,
		})
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// The recorder is a *sqlite.Recorder or absent; wrapping in a typed nil
// interface would defeat the front ends' nil checks, so these helpers
// return an honest nil.
func sessionRecorder(a *app) socks.SessionRecorder {
	if a.recorder == nil {
		return nil
	}
	return a.recorder
}

func httpSessionRecorder(a *app) httpconnect.SessionRecorder {
	if a.recorder == nil {
		return nil
	}
	return a.recorder
}

func adminSessionLog(a *app) admin.SessionLog {
	if a.sessions == nil {
		return nil
	}
	return a.sessions
}
