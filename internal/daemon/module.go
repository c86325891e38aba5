// Package daemon composes the ridelink daemon: config, store,
// realtime connection, presence reconciliation, and the in-process
// service facades.
package daemon

import (
	"context"

	"github.com/ridelink/ridelink/internal/api"
	"github.com/ridelink/ridelink/internal/bus"
	"github.com/ridelink/ridelink/internal/chat"
	"github.com/ridelink/ridelink/internal/config"
	"github.com/ridelink/ridelink/internal/lock"
	"github.com/ridelink/ridelink/internal/logging"
	"github.com/ridelink/ridelink/internal/presence"
	"github.com/ridelink/ridelink/internal/rest"
	"github.com/ridelink/ridelink/internal/session"
	"github.com/ridelink/ridelink/internal/status"
	"github.com/ridelink/ridelink/internal/store"
	"github.com/ridelink/ridelink/internal/wire"
	"github.com/ridelink/ridelink/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// Config overrides the on-disk configuration when non-nil.
	Config *config.Config
	// Dialer overrides the websocket dialer; tests inject an in-memory
	// transport here.
	Dialer ws.Dialer
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
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
			provideRESTClient,
			provideManager,
			provideEngine,
			providePoller,
			provideBroadcaster,
			provideChatSender,
			provideInbox,
			provideSessionService,
			providePresenceService,
			provideChatService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideConfig(p Params) *config.Config {
	if p.Config != nil {
		return p.Config
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
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

func provideRESTClient(cfg *config.Config, db *store.DB, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.RESTBaseURL, db, logger)
}

func provideManager(p Params, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *ws.Manager {
	return ws.NewManager(ws.Config{
		URL:               cfg.Server.WSURL,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval(),
		BackoffFloor:      cfg.Realtime.BackoffFloor(),
		BackoffCeiling:    cfg.Realtime.BackoffCeiling(),
		Dialer:            p.Dialer,
	}, machine, b, logger)
}

func provideEngine(b *bus.Bus, logger *zap.Logger) *presence.Engine {
	return presence.NewEngine(b, logger)
}

func providePoller(engine *presence.Engine, client *rest.Client, cfg *config.Config, logger *zap.Logger) *presence.Poller {
	return presence.NewPoller(engine, client, cfg.Realtime.SnapshotInterval(), logger)
}

func provideBroadcaster(m *ws.Manager, logger *zap.Logger) *presence.Broadcaster {
	return presence.NewBroadcaster(m, logger)
}

func provideChatSender(m *ws.Manager, client *rest.Client, b *bus.Bus, logger *zap.Logger) *chat.Sender {
	return chat.NewSender(m, client, b, logger)
}

func provideInbox(b *bus.Bus, logger *zap.Logger) *chat.Inbox {
	return chat.NewInbox(b, logger)
}

func provideSessionService(p Params, machine *status.Machine, db *store.DB, client *rest.Client, m *ws.Manager, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, machine, db, client, m, logger)
}

func providePresenceService(engine *presence.Engine, bcast *presence.Broadcaster, db *store.DB, logger *zap.Logger) *api.PresenceService {
	return api.NewPresenceService(engine, bcast, db, logger)
}

func provideChatService(sender *chat.Sender, client *rest.Client) *api.ChatService {
	return api.NewChatService(sender, client)
}

type lifecycleDeps struct {
	fx.In

	Lock      *lock.Lock
	DB        *store.DB
	Client    *rest.Client
	Manager   *ws.Manager
	Poller    *presence.Poller
	Inbox     *chat.Inbox
	Session   *api.SessionService
	Presence  *api.PresenceService
	Chat      *api.ChatService
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			d.Poller.Start(context.Background())

			token, err := d.DB.Token()
			if err != nil {
				return err
			}
			if token == "" {
				d.Logger.Info("no credentials found, auth required")
				return nil
			}

			// Resolve the user and open the connection off the start
			// path; fx start must not block on the network.
			go resumeSession(context.Background(), d)
			return nil
		},
		OnStop: func(_ context.Context) error {
			d.Poller.Stop()
			_ = d.Manager.Close()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}

// resumeSession picks up where the last run left off: resolve who the
// stored token belongs to, open the socket, and restart a persisted
// search.
func resumeSession(ctx context.Context, d lifecycleDeps) {
	details, err := d.Client.UserDetails(ctx)
	if err != nil {
		d.Logger.Error("user resolution failed, staying disconnected", zap.Error(err))
		return
	}

	d.Presence.SetSelf(wire.Vehicle{UserID: details.UserID, Name: details.Name})
	d.Chat.SetSelf(details.UserID)

	if err := d.Session.Resume(ctx, details); err != nil {
		d.Logger.Error("connection open failed", zap.Error(err))
		return
	}

	saved, err := d.DB.SearchSessionState()
	if err != nil {
		d.Logger.Warn("search session read failed", zap.Error(err))
		return
	}
	if !saved.Active {
		return
	}
	d.Logger.Info("restoring search session", zap.String("topic", saved.Topic))
	if err := d.Presence.StartSearch(saved.Topic); err != nil {
		// The poller still reconciles the restored topic; the announce
		// goes back out on the next manual start.
		d.Logger.Warn("restored search announce failed", zap.Error(err))
	}
}
