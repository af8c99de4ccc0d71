// Package proc supervises the per-namespace tunnel daemon: start it
// detached, wait for its readiness marker, probe liveness, and stop it.
// Centralizing the retry and timeout policy here keeps the namespace
// manager free of subprocess bookkeeping.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Defaults for readiness polling and shutdown grace.
const (
	DefaultReadyPollInterval = 500 * time.Millisecond
	DefaultReadyTimeout      = 30 * time.Second
	DefaultStopGrace         = 5 * time.Second
)

// ErrNotReady is returned when the tunnel's readiness marker does not
// appear within the deadline.
var ErrNotReady = errors.New("tunnel did not become ready")

// Spec describes one tunnel daemon launch.
type Spec struct {
	// Command is the full argv; the provisioning helper typically wraps
	// the tunnel binary in an "exec inside namespace" invocation.
	Command []string

	// ReadyFile is created by the tunnel once its interface is
	// configured. Empty means readiness is checked elsewhere.
	ReadyFile string

	// LogFile receives the daemon's combined output. Its tail is
	// attached to provisioning errors.
	LogFile string
}

// Supervisor starts and stops tunnel daemons.
type Supervisor struct {
	log          *slog.Logger
	pollInterval time.Duration
	readyTimeout time.Duration
	stopGrace    time.Duration
}

// New returns a Supervisor with default timing.
func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{
		log:          logger,
		pollInterval: DefaultReadyPollInterval,
		readyTimeout: DefaultReadyTimeout,
		stopGrace:    DefaultStopGrace,
	}
}

// SetTimings overrides poll interval, readiness timeout, and stop grace.
// Zero values keep the current setting. Intended for tests.
func (s *Supervisor) SetTimings(poll, ready, grace time.Duration) {
	if poll > 0 {
		s.pollInterval = poll
	}
	if ready > 0 {
		s.readyTimeout = ready
	}
	if grace > 0 {
		s.stopGrace = grace
	}
}

// Start launches the daemon detached in its own session so it survives a
// front-end restart. It returns the child pid; the caller persists it and
// later passes it to Alive and Stop.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("empty tunnel command")
	}
	if spec.ReadyFile != "" {
		// A marker left over from a previous run would report readiness
		// for a tunnel that no longer exists.
		_ = os.Remove(spec.ReadyFile)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Deliberately not CommandContext: the daemon must outlive the
	// request (and the front end) that provisioned it.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, fmt.Errorf("open tunnel log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start tunnel: %w", err)
	}
	pid := cmd.Process.Pid
	// Reap in the background so a crashed tunnel does not linger as a
	// zombie while this process is alive.
	go func() { _ = cmd.Wait() }()

	s.log.Info("tunnel started", "pid", pid, "cmd", spec.Command[0])
	return pid, nil
}

// WaitReady polls for the readiness marker until it exists, the timeout
// passes, or ctx is done.
func (s *Supervisor) WaitReady(ctx context.Context, readyFile string) error {
	if readyFile == "" {
		return nil
	}
	deadline := time.Now().Add(s.readyTimeout)
	for {
		if _, err := os.Stat(readyFile); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotReady
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Alive reports whether pid refers to a running process. Signal 0 probes
// without delivering; EPERM still means the process exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// Stop terminates the daemon: SIGTERM, then SIGKILL once the grace period
// passes. A pid that is already gone is not an error.
func (s *Supervisor) Stop(pid int) error {
	if !Alive(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminate tunnel %d: %w", pid, err)
	}

	deadline := time.Now().Add(s.stopGrace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.log.Warn("tunnel ignored SIGTERM, killing", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill tunnel %d: %w", pid, err)
	}
	return nil
}

// LogTail returns up to n trailing lines of the daemon log for attaching
// to provisioning errors. Missing logs yield an empty string.
func LogTail(path string, n int) string {
	if path == "" || n <= 0 {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
