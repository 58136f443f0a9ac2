package daemon

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/backoff"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/connectivity"
	"github.com/matheus3301/msgsync/internal/lock"
	"github.com/matheus3301/msgsync/internal/logging"
	"github.com/matheus3301/msgsync/internal/session"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	intsync "github.com/matheus3301/msgsync/internal/sync"
	"github.com/matheus3301/msgsync/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.msgsync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideTransport,
			provideSignal,
			provideProber,
			provideDeferred,
			provideSyncEngine,
			provideMessageService,
			provideConversationService,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Init(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Migrate.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Migrate.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Migrate.Version))
	}
	if result.Requeued > 0 {
		logger.Info("re-queued messages interrupted mid-delivery", zap.Int("count", result.Requeued))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	t := cfg.Transport
	return transport.New(transport.Config{
		URL:              cfg.Server.URL,
		HandshakeTimeout: t.HandshakeTimeout.Duration,
		WriteTimeout:     t.WriteTimeout.Duration,
		PongWait:         t.PongWait.Duration,
		Reconnect: backoff.Config{
			Base:        t.ReconnectBase.Duration,
			Max:         t.ReconnectMax.Duration,
			MaxAttempts: t.ReconnectAttempts,
			Jitter:      t.ReconnectJitter,
		},
	}, b, logger.Named("transport"))
}

func provideSignal(b *bus.Bus, logger *zap.Logger) *connectivity.Signal {
	return connectivity.NewSignal(b, logger.Named("connectivity"))
}

func provideProber(cfg *config.Config, s *connectivity.Signal, logger *zap.Logger) (*connectivity.Prober, error) {
	return connectivity.NewProber(cfg.Server.URL, cfg.Sync.ProbeInterval.Duration, s, logger.Named("probe"))
}

func provideDeferred(db *store.DB, cfg *config.Config, logger *zap.Logger) *connectivity.Deferred {
	return connectivity.NewDeferred(db, connectivity.DeferredConfig{
		Delay: cfg.Sync.DeferredDelay.Duration,
		Backoff: backoff.Config{
			Base:        cfg.Sync.DeferredDelay.Duration,
			Max:         cfg.Transport.ReconnectMax.Duration,
			MaxAttempts: cfg.Sync.MaxAttempts,
			Jitter:      cfg.Transport.ReconnectJitter,
		},
	}, logger.Named("deferred"))
}

func provideSyncEngine(db *store.DB, tc *transport.Client, s *connectivity.Signal, d *connectivity.Deferred, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, tc, s, d, b, intsync.Config{
		SenderID:            cfg.Server.Identity,
		SendTimeout:         cfg.Sync.SendTimeout.Duration,
		MaxAttempts:         cfg.Sync.MaxAttempts,
		KeepPerConversation: cfg.Sync.KeepPerConversation,
	}, logger.Named("sync"))
}

func provideMessageService(p Params, engine *intsync.Engine, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	return api.NewMessageService(engine, db, b, p.SessionName, logger.Named("api"))
}

func provideConversationService(db *store.DB) *api.ConversationService {
	return api.NewConversationService(db)
}

func provideSyncService(p Params, engine *intsync.Engine, db *store.DB, tc *transport.Client, s *connectivity.Signal, d *connectivity.Deferred) *api.SyncService {
	return api.NewSyncService(engine, db, tc, s, d, p.SessionName)
}

type lifecycleParams struct {
	fx.In

	Config    *config.Config
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Transport *transport.Client
	Signal    *connectivity.Signal
	Prober    *connectivity.Prober
	Deferred  *connectivity.Deferred
	Engine    *intsync.Engine
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			p.Deferred.SetHandler(p.Engine.DeferredSync)
			p.Transport.OnMessage(p.Engine.HandleEnvelope)
			p.Signal.OnOnline(p.Engine.TriggerDrain)
			p.Signal.OnNetworkUp(func() {
				if p.Transport.State() != status.Unavailable {
					return
				}
				go func() {
					if err := p.Transport.Reconnect(runCtx); err != nil && !errors.Is(err, transport.ErrClosed) {
						logger.Warn("reconnect after network restore failed", zap.Error(err))
					}
				}()
			})

			go func() {
				p.Signal.Follow(runCtx, p.Bus, p.Transport.Connected)
				done <- struct{}{}
			}()
			go func() {
				p.Prober.Run(runCtx)
				done <- struct{}{}
			}()

			if err := p.Deferred.Start(ctx); err != nil {
				logger.Warn("failed to resume deferred syncs", zap.Error(err))
			}

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go func() {
				err := p.Transport.Connect(runCtx, p.Config.Server.Identity)
				if err != nil && !errors.Is(err, transport.ErrClosed) {
					logger.Warn("initial connect failed, retrying in background", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			for range 2 {
				<-done
			}
			p.Server.Stop(ctx)
			p.Deferred.Stop()
			p.Engine.Stop()
			if err := p.Transport.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
