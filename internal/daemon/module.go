package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/bizchat/internal/api"
	"github.com/matheus3301/bizchat/internal/auth"
	"github.com/matheus3301/bizchat/internal/bus"
	"github.com/matheus3301/bizchat/internal/config"
	"github.com/matheus3301/bizchat/internal/directory"
	"github.com/matheus3301/bizchat/internal/lock"
	"github.com/matheus3301/bizchat/internal/logging"
	"github.com/matheus3301/bizchat/internal/metrics"
	"github.com/matheus3301/bizchat/internal/outbox"
	"github.com/matheus3301/bizchat/internal/remote"
	"github.com/matheus3301/bizchat/internal/session"
	"github.com/matheus3301/bizchat/internal/status"
	"github.com/matheus3301/bizchat/internal/store"
	intsync "github.com/matheus3301/bizchat/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// restoreTimeout bounds the startup token check.
const restoreTimeout = 20 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.bizchat/config.toml
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideRemote,
			provideAuth,
			provideChatEngine,
			provideMessageEngine,
			providePipeline,
			provideDirectory,
			provideSessionService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, level)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", zap.String("path", path))
	return cfg, nil
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
	l, err := lock.Acquire(session.LockPath(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is never opened by two
// daemons at once.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideRemote(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.Remote, m, logger)
}

func provideAuth(cfg *config.Config, client *remote.Client, db *store.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *auth.Manager {
	am := auth.NewManager(client, store.NewTokenStore(db), machine, b, auth.Options{
		DeviceInfo:   cfg.Auth.DeviceInfo,
		CodeCooldown: cfg.Auth.CodeCooldown.Duration,
	}, logger)
	client.UseTokenSource(am)
	return am
}

func provideChatEngine(client *remote.Client, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.ChatEngine {
	return intsync.NewChatEngine(client, db, b, m, logger)
}

func provideMessageEngine(client *remote.Client, am *auth.Manager, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.MessageEngine {
	return intsync.NewMessageEngine(client, am, b, m, logger)
}

func providePipeline(client *remote.Client, messages *intsync.MessageEngine, chats *intsync.ChatEngine, db *store.DB, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(client, messages, chats, db, b, m, logger)
}

func provideDirectory(client *remote.Client, p *outbox.Pipeline, am *auth.Manager, logger *zap.Logger) *directory.Directory {
	return directory.New(client, p, am, logger)
}

func provideSessionService(p Params, am *auth.Manager, chats *intsync.ChatEngine, messages *intsync.MessageEngine, b *bus.Bus, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, am, chats, messages, b, logger)
}

func provideChatService(chats *intsync.ChatEngine, messages *intsync.MessageEngine) *api.ChatService {
	return api.NewChatService(chats, messages)
}

func provideMessageService(p *outbox.Pipeline, d *directory.Directory) *api.MessageService {
	return api.NewMessageService(p, d)
}

type lifecycleParams struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Metrics  *metrics.Metrics
	Auth     *auth.Manager
	Chats    *intsync.ChatEngine
	Messages *intsync.MessageEngine
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	var metricsSrv *http.Server
	ctx, cancel := context.WithCancel(context.Background())
	restored := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Engines subscribe before the session is restored so the
			// authenticated event triggers the first refresh.
			lp.Chats.Start(ctx)
			lp.Messages.Start(ctx)

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if addr := lp.Config.Metrics.Listen; addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				metricsSrv = &http.Server{Handler: lp.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
			}

			go func() {
				defer close(restored)
				restore(ctx, lp)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-restored:
			case <-stopCtx.Done():
			}
			lp.Messages.Stop()
			lp.Chats.Stop()
			lp.Server.Stop(stopCtx)
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(stopCtx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// restore revalidates the stored session. On success the cached chat list
// is served until the first refresh lands; otherwise it is dropped.
func restore(ctx context.Context, lp lifecycleParams) {
	rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	ok, err := lp.Auth.RestoreSession(rctx)
	if err != nil {
		lp.Logger.Error("restore session", zap.Error(err))
	}
	if !ok {
		lp.Logger.Info("no valid session, login required")
		lp.Chats.Reset(ctx)
		return
	}
	if n, err := lp.Chats.LoadSnapshot(ctx); err != nil {
		lp.Logger.Warn("load chat snapshot", zap.Error(err))
	} else if n > 0 {
		lp.Logger.Info("chat snapshot loaded", zap.Int("count", n))
	}
}
