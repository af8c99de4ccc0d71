// Package lockdir implements the cross-process mutex that serializes
// namespace-mutating operations per identity slug. The mechanism is a lock
// directory: mkdir is atomic and fails when the directory exists, which
// makes it a portable mutex between unrelated processes. A holder that
// crashes without releasing leaves a directory whose modification time
// stops advancing; a later acquirer detects that and forcibly takes over.
package lockdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/avmitin/nsproxy/internal/domain"
)

// Defaults per the locking policy: poll every 50ms for up to 30s, and treat
// a lock older than 60s as abandoned.
const (
	DefaultRetryInterval  = 50 * time.Millisecond
	DefaultAcquireTimeout = 30 * time.Second
	DefaultStaleAfter     = 60 * time.Second
)

// Locker serializes operations on a named resource across processes.
type Locker interface {
	// Acquire blocks until the lock for slug is held, the timeout
	// elapses (domain.ErrLockTimeout), or ctx is done. On success the
	// returned release func must be called, normally via defer.
	Acquire(ctx context.Context, slug string) (release func(), err error)
}

// DirLocker is the mkdir-based Locker implementation. The lock directories
// live beside the state file they guard.
type DirLocker struct {
	dir            string
	retryInterval  time.Duration
	acquireTimeout time.Duration
	staleAfter     time.Duration
	log            *slog.Logger

	// token identifies this process instance in the owner file, so a
	// takeover is attributable in logs.
	token string
}

// Option tunes a DirLocker.
type Option func(*DirLocker)

// WithTimeouts overrides the retry interval, acquisition deadline, and
// staleness threshold. Zero values keep the defaults.
func WithTimeouts(retry, acquire, stale time.Duration) Option {
	return func(l *DirLocker) {
		if retry > 0 {
			l.retryInterval = retry
		}
		if acquire > 0 {
			l.acquireTimeout = acquire
		}
		if stale > 0 {
			l.staleAfter = stale
		}
	}
}

// New returns a DirLocker creating lock directories under dir.
func New(dir string, logger *slog.Logger, opts ...Option) *DirLocker {
	l := &DirLocker{
		dir:            dir,
		retryInterval:  DefaultRetryInterval,
		acquireTimeout: DefaultAcquireTimeout,
		staleAfter:     DefaultStaleAfter,
		log:            logger,
		token:          uuid.NewString(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *DirLocker) lockPath(slug string) string {
	return filepath.Join(l.dir, "lock-"+slug+".d")
}

// Acquire implements [Locker].
func (l *DirLocker) Acquire(ctx context.Context, slug string) (func(), error) {
	path := l.lockPath(slug)
	deadline := time.Now().Add(l.acquireTimeout)

	for {
		err := l.tryLock(path)
		if err == nil {
			return func() { l.release(path, slug) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", slug, err)
		}

		if l.reclaimIfStale(path, slug) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s held too long: %w", slug, domain.ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *DirLocker) tryLock(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return err
	}
	owner := fmt.Sprintf("%s %s\n", strconv.Itoa(os.Getpid()), l.token)
	// The owner file is diagnostic only; the directory itself is the lock.
	_ = os.WriteFile(filepath.Join(path, "owner"), []byte(owner), 0o644)
	return nil
}

// reclaimIfStale removes the lock directory when its mtime predates the
// staleness threshold, recovering from a holder that crashed mid-operation.
// Returns true when the caller should retry immediately.
func (l *DirLocker) reclaimIfStale(path, slug string) bool {
	info, err := os.Stat(path)
	if err != nil {
		// Holder released between our mkdir failure and this stat.
		return true
	}
	age := time.Since(info.ModTime())
	if age < l.staleAfter {
		return false
	}

	owner, _ := os.ReadFile(filepath.Join(path, "owner"))
	l.log.Warn("reclaiming stale lock",
		"slug", slug, "age", age.Round(time.Second), "owner", string(owner))
	if err := os.RemoveAll(path); err != nil {
		l.log.Error("stale lock removal failed", "slug", slug, "err", err)
		return false
	}
	return true
}

func (l *DirLocker) release(path, slug string) {
	if err := os.RemoveAll(path); err != nil {
		l.log.Error("lock release failed", "slug", slug, "err", err)
	}
}
