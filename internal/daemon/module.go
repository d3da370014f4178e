package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/skiff-sync/skiff/internal/api"
	"github.com/skiff-sync/skiff/internal/bus"
	"github.com/skiff-sync/skiff/internal/config"
	"github.com/skiff-sync/skiff/internal/lock"
	"github.com/skiff-sync/skiff/internal/logging"
	"github.com/skiff-sync/skiff/internal/netmon"
	"github.com/skiff-sync/skiff/internal/remote"
	"github.com/skiff-sync/skiff/internal/session"
	"github.com/skiff-sync/skiff/internal/status"
	"github.com/skiff-sync/skiff/internal/store"
	intsync "github.com/skiff-sync/skiff/internal/sync"
	"github.com/skiff-sync/skiff/internal/tracker"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRemote,
			provideMonitor,
			provideWorker,
			providePuller,
			provideEngine,
			provideTracker,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	// Entries stuck in sending from a crashed run go back to queued.
	requeued, err := db.ResetSending()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if requeued > 0 {
		logger.Info("requeued in-flight mutations", zap.Int("count", requeued))
	}

	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRemote(p Params) *remote.Client {
	return remote.New(p.Config.Remote)
}

func provideMonitor(p Params, client *remote.Client, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(client, b, p.Config.Net, logger)
}

func provideWorker(p Params, db *store.DB, client *remote.Client, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Worker {
	return intsync.NewWorker(db, client, mon, b, p.Config.Sync, logger)
}

func providePuller(p Params, db *store.DB, client *remote.Client, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *intsync.Puller {
	return intsync.NewPuller(db, client, mon, b, p.Config.Sync, logger)
}

func provideEngine(p Params, w *intsync.Worker, pl *intsync.Puller, mon *netmon.Monitor, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(w, pl, mon, p.Config.Sync, logger)
}

func provideTracker(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(db, b, p.Config.Sync, logger)
}

func provideHandler(
	p Params,
	db *store.DB,
	engine *intsync.Engine,
	actions *tracker.Tracker,
	mon *netmon.Monitor,
	machine *status.Machine,
	b *bus.Bus,
	logger *zap.Logger,
	shutdowner fx.Shutdowner,
) *api.Handler {
	return api.NewHandler(p.SessionName, db, engine, actions, mon, machine, b, logger, func() {
		_ = shutdowner.Shutdown()
	})
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	mon *netmon.Monitor,
	engine *intsync.Engine,
	actions *tracker.Tracker,
	machine *status.Machine,
	logger *zap.Logger,
) {
	var (
		stopMonitor context.CancelFunc
		unwatch     func()
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start sync engine (drains the queue and pulls remote changes).
			engine.Start(context.Background())

			// Start the action tracker (subscribes to sync.* bus events).
			actions.Start(context.Background())

			// Start IPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("IPC server error", zap.Error(err))
				}
			}()

			// The first probe decides whether we boot into READY or DEGRADED.
			info := mon.Probe(ctx)
			next := status.Ready
			if info.Status == netmon.StatusOffline {
				logger.Info("remote unreachable, serving local-only")
				next = status.Degraded
			}
			_ = machine.Transition(next)

			// Later connectivity flips move the daemon between READY and
			// DEGRADED. Transition rejects no-op moves, so repeated probes
			// with the same outcome are ignored here.
			unwatch = mon.AddListener(func(c netmon.Change) {
				target := status.Ready
				if c.To == netmon.StatusOffline {
					target = status.Degraded
				}
				_ = machine.Transition(target)
			})

			monCtx, cancel := context.WithCancel(context.Background())
			stopMonitor = cancel
			go mon.Run(monCtx)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(status.Stopping)
			if unwatch != nil {
				unwatch()
			}
			if stopMonitor != nil {
				stopMonitor()
			}
			actions.Stop()
			engine.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
