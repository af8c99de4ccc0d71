// Package daemon runs the background maintenance loop: reclaiming idle
// namespace contexts and rotating the random identity. It shares state
// with the front ends only through the state store.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avmitin/nsproxy/internal/notify"
	"github.com/avmitin/nsproxy/internal/state"
)

// Defaults for the maintenance loop.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleTimeout   = 10 * time.Minute
)

// Destroyer tears down one namespace by slug.
type Destroyer interface {
	Destroy(ctx context.Context, slug string) error
}

// Rotator replaces the random identity and returns the new slug.
type Rotator interface {
	Rotate(ctx context.Context) (string, error)
}

// Daemon is the idle/rotation loop.
type Daemon struct {
	store      *state.Store
	namespaces Destroyer
	rotator    Rotator
	notifier   notify.Notifier
	log        *slog.Logger

	sweepInterval  time.Duration
	idleTimeout    time.Duration
	notifyRotation bool

	now func() time.Time
}

// Options configures a Daemon.
type Options struct {
	Store      *state.Store
	Namespaces Destroyer
	Rotator    Rotator
	Notifier   notify.Notifier
	Log        *slog.Logger

	SweepInterval  time.Duration // default 60s
	IdleTimeout    time.Duration // default 10m
	NotifyRotation bool
}

// New wires a Daemon.
func New(opts Options) *Daemon {
	d := &Daemon{
		store:          opts.Store,
		namespaces:     opts.Namespaces,
		rotator:        opts.Rotator,
		notifier:       opts.Notifier,
		log:            opts.Log,
		sweepInterval:  opts.SweepInterval,
		idleTimeout:    opts.IdleTimeout,
		notifyRotation: opts.NotifyRotation,
		now:            time.Now,
	}
	if d.sweepInterval <= 0 {
		d.sweepInterval = DefaultSweepInterval
	}
	if d.idleTimeout <= 0 {
		d.idleTimeout = DefaultIdleTimeout
	}
	if d.notifier == nil {
		d.notifier = notify.Noop{}
	}
	return d
}

// Run ticks until ctx is done. A tick never escapes the loop with an
// error: failures are logged and the next tick retries.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("idle daemon running",
		"sweep_interval", d.sweepInterval, "idle_timeout", d.idleTimeout)
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	if err := d.reapIdle(ctx); err != nil {
		d.log.Error("idle sweep failed", "err", err)
	}
	if err := d.rotateIfExpired(ctx); err != nil {
		d.log.Error("rotation failed", "err", err)
	}
}

// reapIdle destroys every context unused for longer than the idle
// timeout. One stubborn namespace does not stop the sweep.
func (d *Daemon) reapIdle(ctx context.Context) error {
	st := d.store.Load()
	now := d.now()

	reaped := 0
	var firstErr error
	for slug, nsCtx := range st.Namespaces {
		idle := now.Sub(nsCtx.LastUsed)
		if idle <= d.idleTimeout {
			continue
		}
		if err := d.namespaces.Destroy(ctx, slug); err != nil {
			d.log.Error("idle namespace destroy failed", "slug", slug, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("destroy %s: %w", slug, err)
			}
			continue
		}
		d.log.Info("idle namespace reclaimed",
			"slug", slug, "namespace", nsCtx.Name, "idle", idle.Round(time.Second))
		reaped++
	}
	if reaped > 0 {
		d.log.Info("idle sweep complete", "reclaimed", reaped)
	}
	return firstErr
}

// rotateIfExpired replaces the random identity once its rotation record
// has expired. No record means no random user yet, so nothing to rotate.
func (d *Daemon) rotateIfExpired(ctx context.Context) error {
	st := d.store.Load()
	if st.Random == nil || !st.Random.Expired(d.now()) {
		return nil
	}

	slug, err := d.rotator.Rotate(ctx)
	if err != nil {
		return err
	}
	if d.notifyRotation {
		if err := d.notifier.Notify(ctx, "VPN identity rotated",
			fmt.Sprintf("Random traffic now routes through %s.", slug)); err != nil {
			d.log.Debug("rotation notification failed", "err", err)
		}
	}
	return nil
}
