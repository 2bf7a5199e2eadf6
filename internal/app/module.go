// Package app composes the relay daemon from its components.
package app

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fieldops/relay/internal/bus"
	"github.com/fieldops/relay/internal/channel"
	"github.com/fieldops/relay/internal/config"
	"github.com/fieldops/relay/internal/engine"
	"github.com/fieldops/relay/internal/inbound"
	"github.com/fieldops/relay/internal/lock"
	"github.com/fieldops/relay/internal/logging"
	"github.com/fieldops/relay/internal/outbox"
	"github.com/fieldops/relay/internal/paths"
	"github.com/fieldops/relay/internal/presence"
	"github.com/fieldops/relay/internal/receipts"
	"github.com/fieldops/relay/internal/store"
)

// Params holds the resolved data directory passed to the fx module.
type Params struct {
	DataDir string
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("relayd",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideChannel,
			provideQueue,
			provideTyping,
			providePresence,
			provideHeartbeat,
			provideInbound,
			provideReceipts,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath(p.DataDir))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := paths.EnsureDir(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.DataDir), cfg.Session.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", p.DataDir))
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChannel(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *channel.Channel {
	ch := channel.New(channel.Config{
		URL:   cfg.Server.URL,
		Token: cfg.Server.Token,
	}, b, logger)
	channel.RegisterDispatch(ch, b, logger)
	return ch
}

func provideQueue(db *store.DB, ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, ch, b, logger)
}

func provideTyping(ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *presence.TypingTracker {
	return presence.NewTypingTracker(ch, b, logger)
}

func providePresence(ch *channel.Channel, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(ch, b, logger)
}

func provideHeartbeat(ch *channel.Channel, logger *zap.Logger) *presence.Heartbeat {
	return presence.NewHeartbeat(ch, logger)
}

func provideInbound(cfg *config.Config, db *store.DB, b *bus.Bus, ch *channel.Channel, typing *presence.TypingTracker, logger *zap.Logger) *inbound.Processor {
	return inbound.NewProcessor(cfg.Session.UserID, db, b, ch, typing, logger)
}

func provideReceipts(cfg *config.Config, db *store.DB, b *bus.Bus, ch *channel.Channel, logger *zap.Logger) *receipts.Tracker {
	return receipts.NewTracker(cfg.Session.UserID, db, b, ch, logger)
}

func provideEngine(
	cfg *config.Config,
	db *store.DB,
	b *bus.Bus,
	ch *channel.Channel,
	q *outbox.Queue,
	in *inbound.Processor,
	rc *receipts.Tracker,
	pr *presence.Tracker,
	ty *presence.TypingTracker,
	hb *presence.Heartbeat,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(engine.Params{
		SelfID:    cfg.Session.UserID,
		DB:        db,
		Bus:       b,
		Channel:   ch,
		Queue:     q,
		Inbound:   in,
		Receipts:  rc,
		Presence:  pr,
		Typing:    ty,
		Heartbeat: hb,
		Logger:    logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return eng.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
