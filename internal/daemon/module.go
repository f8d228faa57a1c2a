package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/blob"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/directory"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/moderation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/provision"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/relay"
	"github.com/matheus3301/chatsync/internal/repair"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	// UserID is the viewing user served by this daemon; empty = ProfileName.
	UserID     string
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load ~/.chatsync/config.toml
}

func (p Params) viewerID() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.ProfileName
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
			provideMetrics,
			provideStore,
			provideProvisioner,
			provideTracker,
			provideEngine,
			provideDirectory,
			provideChecker,
			provideUploader,
			provideNotifier,
			providePipeline,
			provideAggregator,
			provideRelay,
			provideSweeper,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOrDefault(profile.ConfigPath())
		if err != nil {
			return nil, err
		}
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

// provideStore depends on the lock so the database is only opened by the
// process owning the profile.
func provideStore(p Params, cfg *config.Config, b *bus.Bus, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dbPath = profile.DBPath(p.ProfileName)
	}
	db, err := store.Open(dbPath, store.Options{Bus: b, MaxRetries: cfg.Store.TxRetries})
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideProvisioner(db *store.DB, logger *zap.Logger) *provision.Provisioner {
	return provision.New(db, logger)
}

func provideTracker(db *store.DB, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(db, cfg.Delivery.ReadDebounce, m, logger)
}

func provideEngine(p Params, db *store.DB, b *bus.Bus, tracker *delivery.Tracker, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, tracker, p.viewerID(), logger)
}

func provideDirectory(db *store.DB, logger *zap.Logger) *directory.Cache {
	return directory.New(db, directory.DefaultTTL, logger)
}

func provideChecker(cfg *config.Config) moderation.Checker {
	return moderation.New(cfg.Moderation.BlockedTerms)
}

func provideUploader(cfg *config.Config, logger *zap.Logger) (blob.Uploader, error) {
	if cfg.Blob.Bucket == "" {
		logger.Info("blob storage not configured, media sends disabled")
		return blob.Unavailable{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return blob.NewS3(ctx, blob.Options{
		Bucket:          cfg.Blob.Bucket,
		Region:          cfg.Blob.Region,
		Prefix:          cfg.Blob.Prefix,
		BaseURL:         cfg.Blob.BaseURL,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
	})
}

func provideNotifier(cfg *config.Config, db *store.DB, logger *zap.Logger) (push.Notifier, error) {
	if !cfg.Push.Enabled {
		return push.Nop{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return push.NewFCMFromCredentials(ctx, cfg.Push.CredentialsFile, db,
		push.Options{RPS: cfg.Push.Rate, Burst: cfg.Push.Burst}, logger)
}

func providePipeline(db *store.DB, checker moderation.Checker, uploader blob.Uploader, notifier push.Notifier, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(outbox.Deps{
		Store:    db,
		Checker:  checker,
		Uploader: uploader,
		Notifier: notifier,
		Bus:      b,
		Metrics:  m,
		Logger:   logger,
	})
}

func provideAggregator(p Params, cfg *config.Config, db *store.DB, dir *directory.Cache, prov *provision.Provisioner, m *metrics.Metrics, logger *zap.Logger) *feed.Aggregator {
	return feed.New(p.viewerID(), feed.Deps{
		Store:       db,
		Directory:   dir,
		Provisioner: prov,
		Metrics:     m,
		Logger:      logger,
	}, feed.Options{
		PageSize:       cfg.Feed.PageSize,
		SubscribeBatch: cfg.Feed.SubscribeBatch,
		SummaryTTL:     cfg.Feed.PeerSummaryTTL,
	})
}

// provideRelay returns nil when no Redis address is configured.
func provideRelay(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*relay.Relay, error) {
	if cfg.Relay.RedisAddr == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	transport, err := relay.NewRedis(ctx, cfg.Relay.RedisAddr)
	if err != nil {
		return nil, err
	}
	return relay.New(b, transport, cfg.Relay.Channel, logger), nil
}

func provideSweeper(cfg *config.Config, db *store.DB, m *metrics.Metrics, logger *zap.Logger) (*repair.Sweeper, error) {
	return repair.New(db, cfg.Repair.Cron, m, logger)
}

func provideService(p Params, db *store.DB, agg *feed.Aggregator, engine *intsync.Engine, pipeline *outbox.Pipeline, b *bus.Bus, dir *directory.Cache, logger *zap.Logger) *api.Service {
	return api.NewService(p.viewerID(), api.ServiceDeps{
		DB:        db,
		Feed:      agg,
		Engine:    engine,
		Pipeline:  pipeline,
		Bus:       b,
		Directory: dir,
		Logger:    logger,
	})
}

type lifecycleParams struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Tracker  *delivery.Tracker
	Engine   *intsync.Engine
	Pipeline *outbox.Pipeline
	Feed     *feed.Aggregator
	Service  *api.Service
	Relay    *relay.Relay
	Sweeper  *repair.Sweeper
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleParams) {
	logger := d.Logger
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if d.Relay != nil {
				if err := d.Relay.Start(context.Background()); err != nil {
					return err
				}
			}

			// Views and the feed watch the bus, so the relay must already forward remote changes.
			d.Engine.Start(context.Background())
			if err := d.Feed.Load(ctx); err != nil {
				return err
			}
			d.Service.Start(context.Background())

			if d.Config.Repair.Enabled {
				d.Sweeper.Start(context.Background())
			}

			if addr := d.Config.Metrics.Addr; addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", d.Metrics.Handler())
				metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
				logger.Info("metrics server listening", zap.String("addr", addr))
			}

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			d.Sweeper.Stop()
			d.Service.Stop()
			d.Feed.Close()
			d.Engine.Stop()
			d.Tracker.Close()
			d.Pipeline.Close()
			if d.Relay != nil {
				d.Relay.Stop()
			}
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
