// Package daemon composes the sync daemon: configuration, storage, the
// realtime transport and the engine, wired through fx.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/plexdesk/chatsync/internal/bus"
	"github.com/plexdesk/chatsync/internal/config"
	"github.com/plexdesk/chatsync/internal/engine"
	"github.com/plexdesk/chatsync/internal/lock"
	"github.com/plexdesk/chatsync/internal/logging"
	"github.com/plexdesk/chatsync/internal/profile"
	"github.com/plexdesk/chatsync/internal/status"
	"github.com/plexdesk/chatsync/internal/storage"
	"github.com/plexdesk/chatsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideProfile,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStorage,
			provideTransport,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideProfile(p Params) (*config.Profile, error) {
	prof, err := config.LoadProfile(profile.ProfilePath(p.ProfileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("profile %q has no profile.toml, create %s first", p.ProfileName, profile.ProfilePath(p.ProfileName))
		}
		return nil, err
	}
	if prof.UserID == "" {
		return nil, fmt.Errorf("profile %q does not set user_id", p.ProfileName)
	}
	return prof, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideStorage(p Params, logger *zap.Logger) (*storage.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := storage.Open(dbPath)
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
	logger.Info("storage initialized", zap.String("path", dbPath))
	return db, nil
}

func provideTransport(prof *config.Profile, b *bus.Bus, logger *zap.Logger) (*transport.Conn, error) {
	return transport.Connect(transport.Config{
		URL:   prof.TransportURL,
		Token: prof.TransportToken,
	}, b, logger)
}

func provideEngine(prof *config.Profile, db *storage.DB, conn *transport.Conn, b *bus.Bus, m *status.Machine, logger *zap.Logger) *engine.Engine {
	return engine.New(engine.Params{
		UserID:            prof.UserID,
		DisplayName:       prof.DisplayName,
		TypingExpiry:      prof.TypingExpiry(),
		HeartbeatInterval: prof.HeartbeatInterval(),
		DB:                db,
		RT:                conn,
		Bus:               b,
		Machine:           m,
		Logger:            logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, conn *transport.Conn, lk *lock.Lock, db *storage.DB, b *bus.Bus, logger *zap.Logger) {
	events := newEventLogger(b, logger)
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			events.Start()
			return eng.Start(context.Background())
		},
		OnStop: func(_ context.Context) error {
			eng.Stop()
			conn.Close()
			events.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing storage", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
