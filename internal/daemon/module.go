package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/mxd/internal/api"
	"github.com/matheus3301/mxd/internal/bus"
	"github.com/matheus3301/mxd/internal/config"
	"github.com/matheus3301/mxd/internal/decrypt"
	"github.com/matheus3301/mxd/internal/dedup"
	"github.com/matheus3301/mxd/internal/guard"
	"github.com/matheus3301/mxd/internal/lock"
	"github.com/matheus3301/mxd/internal/logging"
	"github.com/matheus3301/mxd/internal/matrix"
	"github.com/matheus3301/mxd/internal/outbox"
	"github.com/matheus3301/mxd/internal/retry"
	"github.com/matheus3301/mxd/internal/roomkey"
	"github.com/matheus3301/mxd/internal/session"
	"github.com/matheus3301/mxd/internal/status"
	"github.com/matheus3301/mxd/internal/store"
	intsync "github.com/matheus3301/mxd/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Config      *config.Config
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			providePipelineSettings,
			provideTracker,
			provideDedup,
			provideRetryQueue,
			provideGuard,
			provideKeyring,
			provideDecrypt,
			provideReconciler,
			provideAdapter,
			provideTransport,
			provideSyncEngine,
			provideAuditRecorder,
			provideSender,
			providePipelineService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
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

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", db.Path()))
	return db, nil
}

func providePipelineSettings(p Params) (config.Pipeline, error) {
	return p.Config.PipelineSettings()
}

func provideTracker(b *bus.Bus, logger *zap.Logger) *status.Tracker {
	return status.NewTracker(b, logger.Named("status"))
}

func provideDedup(settings config.Pipeline, logger *zap.Logger) *dedup.Deduplicator {
	return dedup.New(settings.Dedup, logger.Named("dedup"))
}

func provideRetryQueue(settings config.Pipeline, tracker *status.Tracker, b *bus.Bus, logger *zap.Logger) *retry.Queue {
	return retry.NewQueue(settings.Retry, tracker, b, logger.Named("retry"))
}

func provideGuard(p Params, b *bus.Bus, logger *zap.Logger) *guard.Guard {
	return guard.New(p.Config.Guard, b, logger.Named("guard"))
}

func provideKeyring(p Params, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*roomkey.Keyring, error) {
	secret, err := roomkey.LoadOrCreateSecret(session.RoomSecretPath(p.SessionName))
	if err != nil {
		return nil, err
	}
	return roomkey.New(secret, roomkey.Config{}, b, logger.Named("roomkey"))
}

func provideDecrypt(kr *roomkey.Keyring, adapter *matrix.Adapter, logger *zap.Logger) *decrypt.Service {
	var members decrypt.MemberLister
	if adapter != nil {
		members = adapter
	}
	return decrypt.NewService(kr, members, logger.Named("decrypt"))
}

func provideReconciler(db *store.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger.Named("reconciler"))
}

// provideAdapter returns a nil adapter when no credentials are configured;
// the daemon then runs offline and every send lands in the retry queue.
func provideAdapter(p Params, rec *intsync.Reconciler, logger *zap.Logger) (*matrix.Adapter, error) {
	creds := matrix.Credentials{
		Homeserver:  p.Config.Matrix.Homeserver,
		UserID:      p.Config.Matrix.UserID,
		AccessToken: p.Config.Matrix.AccessToken,
	}
	if creds.Homeserver == "" && creds.AccessToken == "" {
		logger.Warn("no matrix credentials configured, running offline")
		return nil, nil
	}
	return matrix.NewAdapter(creds, rec, logger.Named("matrix"))
}

// errOffline is returned by the transport while no homeserver is configured.
var errOffline = errors.New("matrix transport offline: no credentials configured")

type offlineTransport struct{}

func (offlineTransport) SendText(context.Context, string, string) (string, error) {
	return "", errOffline
}

func (offlineTransport) SendEncrypted(context.Context, string, guard.Envelope) (string, error) {
	return "", errOffline
}

func provideTransport(adapter *matrix.Adapter) outbox.Transport {
	if adapter == nil {
		return offlineTransport{}
	}
	return adapter
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, dd *dedup.Deduplicator, dec *decrypt.Service, g *guard.Guard, tracker *status.Tracker, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(intsync.Deps{
		DB:      db,
		Bus:     b,
		Dedup:   dd,
		Decrypt: dec,
		Guard:   g,
		Tracker: tracker,
		Logger:  logger.Named("sync"),
		UserID:  p.Config.Matrix.UserID,
	})
}

func provideAuditRecorder(db *store.DB, g *guard.Guard, logger *zap.Logger) *intsync.AuditRecorder {
	return intsync.NewAuditRecorder(db, g, logger.Named("audit"))
}

func provideSender(p Params, db *store.DB, transport outbox.Transport, kr *roomkey.Keyring, g *guard.Guard, tracker *status.Tracker, retries *retry.Queue, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(outbox.Deps{
		DB:        db,
		Transport: transport,
		Crypto:    kr,
		Guard:     g,
		Tracker:   tracker,
		Retries:   retries,
		Bus:       b,
		Logger:    logger.Named("outbox"),
		UserID:    p.Config.Matrix.UserID,
	})
}

type serviceParams struct {
	fx.In

	Params  Params
	DB      *store.DB
	Bus     *bus.Bus
	Sender  *outbox.Sender
	Retries *retry.Queue
	Tracker *status.Tracker
	Decrypt *decrypt.Service
	Guard   *guard.Guard
	Dedup   *dedup.Deduplicator
}

func providePipelineService(sp serviceParams) *api.PipelineService {
	return api.NewPipelineService(api.Deps{
		SessionName: sp.Params.SessionName,
		DB:          sp.DB,
		Bus:         sp.Bus,
		Sender:      sp.Sender,
		Retries:     sp.Retries,
		Tracker:     sp.Tracker,
		Decrypt:     sp.Decrypt,
		Guard:       sp.Guard,
		Dedup:       sp.Dedup,
	})
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Adapter   *matrix.Adapter
	Engine    *intsync.Engine
	Audit     *intsync.AuditRecorder
	Sender    *outbox.Sender
	Retries   *retry.Queue
	Decrypt   *decrypt.Service
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	logger := lp.Logger
	ctx, cancel := context.WithCancel(context.Background())

	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Persist status changes and audit entries as they happen.
			lp.Engine.Start()
			lp.Audit.Start()

			// Start gRPC server in background.
			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Start outbox sender.
			lp.Sender.Start(ctx)

			if lp.Adapter == nil {
				return nil
			}
			// Inbound events go straight into the engine; the bus only
			// carries copies for watchers.
			handler := matrix.NewEventHandler(lp.Engine, lp.Bus, logger.Named("events"))
			lp.Adapter.OnEvent(handler.Handle)
			go func() {
				if err := lp.Adapter.Run(ctx); err != nil {
					logger.Error("matrix sync stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if lp.Adapter != nil {
				lp.Adapter.Stop()
			}
			cancel()
			lp.Sender.Stop()
			lp.Engine.Stop()
			lp.Audit.Stop()
			lp.Retries.Close()
			lp.Decrypt.Close()
			lp.Server.Stop(stopCtx)
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
