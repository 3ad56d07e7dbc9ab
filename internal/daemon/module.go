package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/securechat/internal/api"
	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/chatsync"
	"github.com/matheus3301/securechat/internal/config"
	"github.com/matheus3301/securechat/internal/e2ee"
	"github.com/matheus3301/securechat/internal/identity"
	"github.com/matheus3301/securechat/internal/lock"
	"github.com/matheus3301/securechat/internal/logging"
	"github.com/matheus3301/securechat/internal/metrics"
	"github.com/matheus3301/securechat/internal/realtime"
	"github.com/matheus3301/securechat/internal/remote"
	"github.com/matheus3301/securechat/internal/session"
	"github.com/matheus3301/securechat/internal/status"
	"github.com/matheus3301/securechat/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.securechat/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideIdentity,
			provideCacheBackend,
			provideCache,
			provideRemote,
			provideRealtime,
			provideCrypto,
			metrics.New,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.LoadOrDefault(session.ConfigPath())
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

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), cfg.Identity.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

type identityOut struct {
	fx.Out

	Provider identity.Provider
	// Session is nil when the identity comes from a session token.
	Session *identity.Session
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) identityOut {
	if cfg.Identity.Token != "" {
		logger.Info("identity from session token")
		return identityOut{Provider: identity.NewTokenProvider(cfg.Identity.Token, []byte(cfg.Identity.Secret))}
	}
	sess := identity.NewSession(cfg.Identity.ID)
	return identityOut{Provider: sess, Session: sess}
}

func provideCacheBackend(lc fx.Lifecycle, p Params, cfg *config.Config, logger *zap.Logger) (cache.Backend, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr:      cfg.Cache.RedisAddr,
			Password:  cfg.Cache.RedisPassword,
			DB:        cfg.Cache.RedisDB,
			Namespace: "securechat:" + p.SessionName,
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(r.Close))
		logger.Info("cache store initialized", zap.String("backend", "redis"), zap.String("addr", cfg.Cache.RedisAddr))
		return r, nil
	case "", "sqlite":
		dbPath := session.CacheDBPath(p.SessionName)
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
		lc.Append(fx.StopHook(db.Close))
		logger.Info("cache store initialized", zap.String("backend", "sqlite"), zap.String("path", dbPath))
		return db, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

func provideCache(kv cache.Backend, logger *zap.Logger) *cache.Cache {
	return cache.New(kv, logger.Named("cache"))
}

func provideRemote(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (*remote.Store, error) {
	dsn := cfg.Remote.DSN
	if dsn == "" && cfg.Remote.Driver == "sqlite" {
		dsn = session.DevRemotePath()
	}
	rs, err := remote.Open(cfg.Remote.Driver, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.Remote.AutoMigrate {
		if err := rs.AutoMigrate(); err != nil {
			_ = rs.Close()
			return nil, err
		}
	}
	lc.Append(fx.StopHook(rs.Close))
	logger.Info("remote store opened", zap.String("driver", cfg.Remote.Driver))
	return rs, nil
}

// provideRealtime returns a nil bus for backend "none".
func provideRealtime(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (realtime.Bus, error) {
	logger = logger.Named("realtime")
	switch cfg.Realtime.Backend {
	case "none":
		logger.Info("realtime disabled")
		return nil, nil
	case "", "local":
		return realtime.NewLocal(bus.New(), logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Realtime.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis %s: %w", cfg.Realtime.RedisAddr, err)
		}
		rt := realtime.NewRedis(client, "securechat", logger)
		lc.Append(fx.StopHook(rt.Close))
		return rt, nil
	case "amqp":
		rt, err := realtime.DialAMQP(cfg.Realtime.AMQPURL, cfg.Realtime.Exchange, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(rt.Close))
		return rt, nil
	default:
		return nil, fmt.Errorf("unknown realtime backend %q", cfg.Realtime.Backend)
	}
}

func provideCrypto() *e2ee.Engine {
	return e2ee.NewEngine()
}

type engineIn struct {
	fx.In

	Config   *config.Config
	Identity identity.Provider
	Remote   *remote.Store
	Crypto   *e2ee.Engine
	Cache    *cache.Cache
	Realtime realtime.Bus
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Machine  *status.Machine
	Logger   *zap.Logger
}

func provideEngine(in engineIn) *chatsync.Engine {
	return chatsync.New(chatsync.Deps{
		Identity: in.Identity,
		Remote:   in.Remote,
		Crypto:   in.Crypto,
		Cache:    in.Cache,
		Realtime: in.Realtime,
		Bus:      in.Bus,
		Metrics:  in.Metrics,
		Machine:  in.Machine,
		Logger:   in.Logger.Named("engine"),
	}, chatsync.Options{
		RetryInterval: in.Config.Retry.Interval.Duration,
		MaxAttempts:   in.Config.Retry.MaxAttempts,
	})
}

func provideService(p Params, engine *chatsync.Engine, sess *identity.Session, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, engine, sess, m, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, engine *chatsync.Engine, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Loads the replica, binds keys and starts the retry loop.
			if err := engine.Start(ctx); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if metricsSrv != nil {
				go func() {
					logger.Info("metrics endpoint listening", zap.String("addr", metricsSrv.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			engine.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
