package cli

import (
	"log/slog"

	"github.com/avmitin/nsproxy/internal/config"
	"github.com/avmitin/nsproxy/internal/identity"
	"github.com/avmitin/nsproxy/internal/lockdir"
	ilog "github.com/avmitin/nsproxy/internal/log"
	"github.com/avmitin/nsproxy/internal/netns"
	"github.com/avmitin/nsproxy/internal/notify"
	"github.com/avmitin/nsproxy/internal/proc"
	"github.com/avmitin/nsproxy/internal/state"
	"github.com/avmitin/nsproxy/internal/store/sqlite"
)

// app holds the wired component graph shared by the serve and operator
// commands.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	state    *state.Store
	sessions *sqlite.Store // nil when the session log is disabled
	recorder *sqlite.Recorder
	notifier notify.Notifier
	resolver *identity.Resolver
	manager  *netns.Manager
}

// buildApp wires every component from the configuration. The session log
// is optional; everything else is always constructed.
func buildApp(cfg config.Config, component string) (*app, error) {
	logger := ilog.New(component, cfg.LogLevel)

	stateStore := state.New(cfg.StateDir)
	notifier := notify.Pick(cfg.Notify, logger)
	source := identity.NewDirSource(cfg.IdentityDir)
	resolver := identity.NewResolver(source, stateStore, notifier, cfg.RotationInterval, logger)

	a := &app{
		cfg:      cfg,
		log:      logger,
		state:    stateStore,
		notifier: notifier,
		resolver: resolver,
	}

	var nsRecorder netns.Recorder
	if cfg.SessionDB != "" {
		sessions, err := sqlite.Open(cfg.SessionDB)
		if err != nil {
			return nil, err
		}
		a.sessions = sessions
		a.recorder = sqlite.NewRecorder(sessions, logger)
		nsRecorder = a.recorder
	}

	a.manager = netns.NewManager(netns.Options{
		Store:      stateStore,
		Locker:     lockdir.New(stateStore.Dir(), logger),
		Prov:       netns.NewExecProvisioner(cfg.HelperPath),
		Resolver:   resolver,
		Supervisor: proc.New(logger),
		Recorder:   nsRecorder,
		Log:        logger,
		HelperPath: cfg.HelperPath,
	})
	return a, nil
}

// Close releases held resources.
func (a *app) Close() {
	if a.sessions != nil {
		_ = a.sessions.Close()
	}
}
