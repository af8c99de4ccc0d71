package netns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/avmitin/nsproxy/internal/domain"
	"github.com/avmitin/nsproxy/internal/identity"
	"github.com/avmitin/nsproxy/internal/lockdir"
	"github.com/avmitin/nsproxy/internal/proc"
	"github.com/avmitin/nsproxy/internal/state"
)

// Recorder receives lifecycle events for the session log. Implementations
// must be best-effort; the manager never fails an operation over it.
type Recorder interface {
	RecordEvent(ctx context.Context, kind, slug, detail string)
}

type noopRecorder struct{}

func (noopRecorder) RecordEvent(context.Context, string, string, string) {}

// Event kinds recorded by the manager.
const (
	EventProvisioned = "provisioned"
	EventDestroyed   = "destroyed"
	EventUnhealthy   = "unhealthy"
)

// TunnelSupervisor is the slice of [proc.Supervisor] the manager needs.
type TunnelSupervisor interface {
	Start(ctx context.Context, spec proc.Spec) (int, error)
	WaitReady(ctx context.Context, readyFile string) error
	Stop(pid int) error
}

// Manager owns namespace contexts. All mutations run under the per-slug
// cross-process lock; within the process, singleflight collapses
// concurrent requests for the same slug onto one provisioning attempt.
type Manager struct {
	store    *state.Store
	locker   lockdir.Locker
	prov     Provisioner
	resolver *identity.Resolver
	super    TunnelSupervisor
	recorder Recorder
	log      *slog.Logger

	helperPath   string
	runDir       string
	ifacePoll    time.Duration
	ifaceTimeout time.Duration

	group singleflight.Group
	now   func() time.Time
}

// Options configures a Manager.
type Options struct {
	Store      *state.Store
	Locker     lockdir.Locker
	Prov       Provisioner
	Resolver   *identity.Resolver
	Supervisor TunnelSupervisor
	Recorder   Recorder // optional
	Log        *slog.Logger

	HelperPath string
	RunDir     string // tunnel ready/log files; defaults to the state dir

	IfacePoll    time.Duration // default 500ms
	IfaceTimeout time.Duration // default 30s
}

// NewManager wires a Manager from Options.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:        opts.Store,
		locker:       opts.Locker,
		prov:         opts.Prov,
		resolver:     opts.Resolver,
		super:        opts.Supervisor,
		recorder:     opts.Recorder,
		log:          opts.Log,
		helperPath:   opts.HelperPath,
		runDir:       opts.RunDir,
		ifacePoll:    opts.IfacePoll,
		ifaceTimeout: opts.IfaceTimeout,
		now:          time.Now,
	}
	if m.recorder == nil {
		m.recorder = noopRecorder{}
	}
	if m.runDir == "" {
		m.runDir = opts.Store.Dir()
	}
	if m.ifacePoll <= 0 {
		m.ifacePoll = 500 * time.Millisecond
	}
	if m.ifaceTimeout <= 0 {
		m.ifaceTimeout = 30 * time.Second
	}
	return m
}

// GetOrCreate returns a healthy namespace context for slug, provisioning
// one if needed. slug must already be resolved: a concrete identity or
// "direct", never "random".
func (m *Manager) GetOrCreate(ctx context.Context, slug string) (domain.NamespaceContext, error) {
	v, err, _ := m.group.Do(slug, func() (any, error) {
		return m.getOrCreate(ctx, slug)
	})
	if err != nil {
		return domain.NamespaceContext{}, err
	}
	return v.(domain.NamespaceContext), nil
}

func (m *Manager) getOrCreate(ctx context.Context, slug string) (domain.NamespaceContext, error) {
	release, err := m.locker.Acquire(ctx, slug)
	switch {
	case err == nil:
		defer release()
	case errors.Is(err, domain.ErrLockTimeout):
		// Availability over strict exclusion: a wedged holder must not
		// take the identity down with it. Worst case is duplicate
		// provisioning work, which teardown-on-failure cleans up.
		m.log.Warn("proceeding without cross-process lock", "slug", slug, "err", err)
	default:
		return domain.NamespaceContext{}, err
	}

	// Reload under the lock: another process may have provisioned this
	// slug while we waited.
	st := m.store.Load()
	if cur, ok := st.Namespaces[slug]; ok {
		herr := m.healthCheck(ctx, cur)
		if herr == nil {
			cur.LastUsed = m.now()
			if _, err := m.store.Update(func(s *domain.ProxyState) error {
				s.Namespaces[slug] = cur
				return nil
			}); err != nil {
				return domain.NamespaceContext{}, err
			}
			return cur, nil
		}
		m.log.Warn("namespace failed health check, recreating",
			"slug", slug, "namespace", cur.Name, "err", herr)
		m.recorder.RecordEvent(ctx, EventUnhealthy, slug, herr.Error())
		m.teardown(ctx, cur)
		if _, err := m.store.Update(func(s *domain.ProxyState) error {
			delete(s.Namespaces, slug)
			return nil
		}); err != nil {
			return domain.NamespaceContext{}, err
		}
	}

	if slug == domain.SlugDirect {
		return m.createDirect(ctx)
	}
	return m.createTunneled(ctx, slug)
}

// allocate persists the index advance before any OS-level work so a failed
// attempt can never hand its index to a later one.
func (m *Manager) allocate() (int, error) {
	var idx int
	_, err := m.store.Update(func(s *domain.ProxyState) error {
		idx = s.AllocateIndex()
		return nil
	})
	return idx, err
}

func (m *Manager) createDirect(ctx context.Context) (domain.NamespaceContext, error) {
	idx, err := m.allocate()
	if err != nil {
		return domain.NamespaceContext{}, err
	}

	req := CreateRequest{
		Name:      NamespaceName(idx),
		Index:     idx,
		Addr:      NamespaceAddr(idx),
		RelayPort: RelayPort,
	}
	if err := m.prov.CreateDirect(ctx, req); err != nil {
		return domain.NamespaceContext{}, &domain.ProvisionError{
			Slug: domain.SlugDirect, Op: "create-direct",
			Err: fmt.Errorf("%w: %w", domain.ErrProvisionFailed, err),
		}
	}

	nsCtx := domain.NamespaceContext{
		Name:        req.Name,
		Index:       idx,
		Addr:        req.Addr,
		RelayPort:   req.RelayPort,
		Slug:        domain.SlugDirect,
		DisplayName: "Direct (no VPN)",
		LastUsed:    m.now(),
		TunnelPID:   domain.DirectPID,
		Status:      domain.StatusConnected,
	}
	return m.commit(ctx, nsCtx)
}

func (m *Manager) createTunneled(ctx context.Context, slug string) (domain.NamespaceContext, error) {
	id, err := m.resolver.Identity(slug)
	if err != nil {
		return domain.NamespaceContext{}, err
	}

	idx, err := m.allocate()
	if err != nil {
		return domain.NamespaceContext{}, err
	}

	req := CreateRequest{
		Name:        NamespaceName(idx),
		Index:       idx,
		Addr:        NamespaceAddr(idx),
		RelayPort:   RelayPort,
		Endpoint:    id.Endpoint,
		ProfilePath: id.ProfilePath,
	}

	fail := func(op string, cause error) (domain.NamespaceContext, error) {
		return domain.NamespaceContext{}, &domain.ProvisionError{
			Slug: slug, Op: op,
			Err: fmt.Errorf("%w: %w", domain.ErrProvisionFailed, cause),
		}
	}

	if err := m.prov.Create(ctx, req); err != nil {
		// The helper cleans up its own partial work, but destroy again
		// to be sure nothing half-built survives.
		_ = m.prov.Destroy(context.WithoutCancel(ctx), req.Name)
		return fail("create", err)
	}

	spec := proc.Spec{
		Command:   m.tunnelCommand(req.Name, id.ProfilePath),
		ReadyFile: m.readyFile(req.Name),
		LogFile:   m.logFile(req.Name),
	}
	pid, err := m.super.Start(ctx, spec)
	if err != nil {
		_ = m.prov.Destroy(context.WithoutCancel(ctx), req.Name)
		return fail("start-tunnel", err)
	}

	if err := m.super.WaitReady(ctx, spec.ReadyFile); err != nil {
		m.unwind(ctx, pid, req.Name)
		return fail("wait-ready", m.withLogTail(err, spec.LogFile))
	}
	if err := m.waitInterface(ctx, req.Name); err != nil {
		m.unwind(ctx, pid, req.Name)
		return fail("wait-interface", m.withLogTail(err, spec.LogFile))
	}

	nsCtx := domain.NamespaceContext{
		Name:        req.Name,
		Index:       idx,
		Addr:        req.Addr,
		RelayPort:   req.RelayPort,
		Slug:        slug,
		DisplayName: id.DisplayName,
		LastUsed:    m.now(),
		TunnelPID:   pid,
		Status:      domain.StatusConnected,
	}
	return m.commit(ctx, nsCtx)
}

// commit persists the new context and records the event. A context is
// only ever persisted as connected; failures unwind to deletion instead.
func (m *Manager) commit(ctx context.Context, nsCtx domain.NamespaceContext) (domain.NamespaceContext, error) {
	if _, err := m.store.Update(func(s *domain.ProxyState) error {
		s.Namespaces[nsCtx.Slug] = nsCtx
		return nil
	}); err != nil {
		m.teardown(ctx, nsCtx)
		return domain.NamespaceContext{}, err
	}
	m.log.Info("namespace ready",
		"slug", nsCtx.Slug, "namespace", nsCtx.Name, "addr", nsCtx.Addr, "tunnel_pid", nsCtx.TunnelPID)
	m.recorder.RecordEvent(ctx, EventProvisioned, nsCtx.Slug, nsCtx.Name)
	return nsCtx, nil
}

// waitInterface polls the helper's check until the tunnel interface is up.
func (m *Manager) waitInterface(ctx context.Context, name string) error {
	deadline := m.now().Add(m.ifaceTimeout)
	for {
		err := m.prov.Check(ctx, name, false)
		if err == nil {
			return nil
		}
		if m.now().After(deadline) {
			return fmt.Errorf("tunnel interface never came up: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.ifacePoll):
		}
	}
}

func (m *Manager) withLogTail(err error, logFile string) error {
	if tail := proc.LogTail(logFile, 20); tail != "" {
		return fmt.Errorf("%w\ntunnel log tail:\n%s", err, tail)
	}
	return err
}

// unwind reverses a partially built tunneled namespace.
func (m *Manager) unwind(ctx context.Context, pid int, name string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.super.Stop(pid); err != nil {
		m.log.Error("tunnel stop during unwind failed", "pid", pid, "err", err)
	}
	if err := m.prov.Destroy(ctx, name); err != nil {
		m.log.Error("namespace destroy during unwind failed", "namespace", name, "err", err)
	}
}

// healthCheck verifies a persisted context still matches reality.
func (m *Manager) healthCheck(ctx context.Context, nsCtx domain.NamespaceContext) error {
	if nsCtx.Status != domain.StatusConnected {
		return fmt.Errorf("%w: status %s", domain.ErrNamespaceUnhealthy, nsCtx.Status)
	}
	if !nsCtx.Direct() && !proc.Alive(nsCtx.TunnelPID) {
		return fmt.Errorf("%w: tunnel process %d gone", domain.ErrNamespaceUnhealthy, nsCtx.TunnelPID)
	}
	if err := m.prov.Check(ctx, nsCtx.Name, nsCtx.Direct()); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrNamespaceUnhealthy, err)
	}
	return nil
}

// teardown destroys the OS-level namespace and tunnel without touching
// persisted state; callers handle the state entry.
func (m *Manager) teardown(ctx context.Context, nsCtx domain.NamespaceContext) {
	ctx = context.WithoutCancel(ctx)
	if !nsCtx.Direct() {
		if err := m.super.Stop(nsCtx.TunnelPID); err != nil {
			m.log.Error("tunnel stop failed", "pid", nsCtx.TunnelPID, "err", err)
		}
	}
	if err := m.prov.Destroy(ctx, nsCtx.Name); err != nil {
		m.log.Error("namespace destroy failed", "namespace", nsCtx.Name, "err", err)
	}
}

// Destroy removes slug's namespace and its persisted entry. Unknown slugs
// are a no-op.
func (m *Manager) Destroy(ctx context.Context, slug string) error {
	release, err := m.locker.Acquire(ctx, slug)
	switch {
	case err == nil:
		defer release()
	case errors.Is(err, domain.ErrLockTimeout):
		m.log.Warn("destroying without cross-process lock", "slug", slug, "err", err)
	default:
		return err
	}

	st := m.store.Load()
	nsCtx, ok := st.Namespaces[slug]
	if !ok {
		return nil
	}

	m.teardown(ctx, nsCtx)
	if _, err := m.store.Update(func(s *domain.ProxyState) error {
		delete(s.Namespaces, slug)
		return nil
	}); err != nil {
		return err
	}
	m.log.Info("namespace destroyed", "slug", slug, "namespace", nsCtx.Name)
	m.recorder.RecordEvent(ctx, EventDestroyed, slug, nsCtx.Name)
	return nil
}

// DestroyAll tears down every persisted namespace. Errors are collected
// so one stubborn namespace does not shield the rest.
func (m *Manager) DestroyAll(ctx context.Context) error {
	st := m.store.Load()
	var errs []error
	for slug := range st.Namespaces {
		if err := m.Destroy(ctx, slug); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", slug, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) tunnelCommand(name, profile string) []string {
	return []string{m.helperPath, "tunnel", "--name", name, "--profile", profile}
}

func (m *Manager) readyFile(name string) string {
	return filepath.Join(m.runDir, name+".ready")
}

func (m *Manager) logFile(name string) string {
	return filepath.Join(m.runDir, name+".log")
}
