package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/pastoralhq/smsync/internal/bus"
	"github.com/pastoralhq/smsync/internal/config"
	"github.com/pastoralhq/smsync/internal/conversation"
	"github.com/pastoralhq/smsync/internal/feed"
	"github.com/pastoralhq/smsync/internal/gateway"
	"github.com/pastoralhq/smsync/internal/ledger"
	"github.com/pastoralhq/smsync/internal/lock"
	"github.com/pastoralhq/smsync/internal/logging"
	"github.com/pastoralhq/smsync/internal/payment"
	"github.com/pastoralhq/smsync/internal/poll"
	"github.com/pastoralhq/smsync/internal/send"
	"github.com/pastoralhq/smsync/internal/status"
	"github.com/pastoralhq/smsync/internal/store"
	"github.com/pastoralhq/smsync/internal/tenant"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved tenant configuration passed to the fx module.
type Params struct {
	TenantName string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideConversationStore,
			provideGateway,
			providePayment,
			provideLedger,
			provideFeedListener,
			provideReconciler,
			providePipeline,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(tenant.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		// First run: no config.toml yet, every tunable at its default.
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(tenant.LogPath(p.TenantName), p.TenantName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := tenant.EnsureDir(p.TenantName); err != nil {
		return nil, err
	}
	logger.Info("acquiring tenant lock", zap.String("tenant", p.TenantName))
	l, err := lock.Acquire(tenant.Dir(p.TenantName))
	if err != nil {
		return nil, err
	}
	logger.Info("tenant lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := tenant.DBPath(p.TenantName)
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

func provideConversationStore(b *bus.Bus, logger *zap.Logger) *conversation.Store {
	return conversation.NewStore(b, logger)
}

func provideGateway(cfg *config.Config, logger *zap.Logger) gateway.Deliverer {
	return gateway.NewClient(cfg.Delivery.BaseURL, cfg.Delivery.APIKey, cfg.DeliveryTimeout(), logger)
}

func providePayment(cfg *config.Config) payment.Confirmer {
	return payment.NewClient(cfg.Payment.BaseURL, cfg.PaymentTimeout())
}

func provideLedger(p Params, cfg *config.Config, db *store.DB, confirmer payment.Confirmer, b *bus.Bus, logger *zap.Logger) *ledger.Ledger {
	return ledger.New(db, ledger.Opts{
		Tenant:          p.TenantName,
		CostPerMessage:  cfg.CostPerMessage(),
		MinimumRecharge: cfg.MinimumRecharge(),
		InitialBalance:  cfg.InitialBalance(),
	}, confirmer, b, logger)
}

func provideFeedListener(p Params, cfg *config.Config, convo *conversation.Store, db *store.DB, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *feed.Listener {
	return feed.NewListener(cfg.Feed, p.TenantName, convo, db, b, machine, logger)
}

func provideReconciler(p Params, cfg *config.Config, db *store.DB, convo *conversation.Store, gw gateway.Deliverer, b *bus.Bus, logger *zap.Logger) *poll.Reconciler {
	return poll.NewReconciler(db, convo, gw, p.TenantName, cfg.PollInterval(), cfg.PollWindow(), b, logger)
}

func providePipeline(p Params, cfg *config.Config, convo *conversation.Store, db *store.DB, gw gateway.Deliverer, l *ledger.Ledger, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.NewPipeline(convo, db, gw, l, p.TenantName, cfg.MinimumSendThreshold(), cfg.DeliveryTimeout(), b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, db *store.DB, convo *conversation.Store, listener *feed.Listener, reconciler *poll.Reconciler, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Rebuild the in-memory view from persisted records before
			// live traffic lands.
			records, err := db.AllMessages(p.TenantName)
			if err != nil {
				return err
			}
			hydrate(convo, records)
			logger.Info("conversation view hydrated", zap.Int("records", len(records)))

			listener.Start(context.Background())
			reconciler.Start(context.Background())
			return nil
		},
		OnStop: func(_ context.Context) error {
			reconciler.Stop()
			listener.Stop()
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
