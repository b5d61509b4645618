package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/activity"
	"bus-tracker/internal/auth"
	"bus-tracker/internal/bootstrap"
	"bus-tracker/internal/bus"
	"bus-tracker/internal/config"
	"bus-tracker/internal/coordinator"
	"bus-tracker/internal/httpapi"
	"bus-tracker/internal/metrics"
	"bus-tracker/internal/publisher"
	"bus-tracker/internal/quota"
	"bus-tracker/internal/reconcile"
	"bus-tracker/internal/routes"
	"bus-tracker/internal/schedule"
	"bus-tracker/internal/store"
	"bus-tracker/internal/store/memstore"
	"bus-tracker/internal/store/pgstore"
	"bus-tracker/internal/supervisor"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)
	if cfg.LogLevel >= logrus.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.WriteMinInterval, cfg.ReconnectBase, cfg.ReconnectMax)
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer shutdown(srv, logger)
	}

	rf, err := routes.Load(cfg.RoutesFile)
	if err != nil {
		logger.Fatalf("routes error: %v", err)
	}
	fleet := bus.NewFleet()
	if err := fleet.Seed(rf.Buses); err != nil {
		logger.Fatalf("seed fleet: %v", err)
	}
	logger.WithField("buses", len(rf.Buses)).Info("routes loaded")

	st, creds, closeStore := openStore(ctx, cfg, rf.Accounts, logger)
	defer closeStore()

	limiter := quota.New(quota.Config{MinInterval: cfg.WriteMinInterval, Log: logger, Metrics: mcol})
	defer limiter.Close()

	notices := httpapi.NewNotices()
	coord := coordinator.New(fleet, st, limiter, coordinator.Config{
		Collection: cfg.BusCollection,
		Log:        logger,
		Metrics:    mcol,
		Notifier:   notices,
	})

	sup := supervisor.New(st, reconcile.New(fleet, logger, mcol), supervisor.Config{
		Collection:       cfg.BusCollection,
		BaseDelay:        cfg.ReconnectBase,
		MaxDelay:         cfg.ReconnectMax,
		LivenessInterval: cfg.LivenessInterval,
		Log:              logger,
		Metrics:          mcol,
	})
	sup.Start(ctx)
	defer sup.Stop()

	go func() {
		rep, err := bootstrap.New(fleet, st, cfg.BusCollection, logger, mcol).Run(ctx)
		entry := logger.WithFields(logrus.Fields{"created": rep.Created, "existing": rep.Existing})
		if err != nil {
			entry.WithError(err).Warn("bootstrap finished with failures")
			return
		}
		entry.Info("bootstrap complete")
	}()

	// Initialize NATS publisher
	actCfg := activity.Config{Log: logger, Metrics: mcol}
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectBase, cfg.LogNATSSubjects, logger, wrapPublisherMetrics(mcol))
		if err != nil {
			logger.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		actCfg.Forwarder = pub
	}
	actLog := activity.New(actCfg)

	if pub != nil {
		defer pub.FollowFleet(fleet)()
		defer sup.OnStatus(func(s supervisor.Status) {
			if err := pub.PublishStatus(s); err != nil {
				logger.WithError(err).Debug("publish status failed")
			}
		})()
		unsub, err := pub.SubscribeActivity(func(e activity.Entry) { actLog.Ingest(e) })
		if err != nil {
			logger.Fatalf("nats subscribe: %v", err)
		}
		defer unsub()
	}

	var resets httpapi.ResetSchedule
	if cfg.DailyResetCron != "" {
		cs := schedule.NewCronService(cfg.DailyResetCron, cfg.Location, coord, logger)
		if err := cs.Start(); err != nil {
			logger.Fatalf("cron error: %v", err)
		}
		defer cs.Stop()
		resets = cs
	}

	provider, err := auth.NewProvider(creds, auth.Config{
		Secret:            []byte(cfg.JWTSecret),
		TokenTTL:          cfg.TokenTTL,
		AttemptsPerMinute: cfg.SignInPerMinute,
		Log:               logger,
		Metrics:           mcol,
	})
	if err != nil {
		logger.Fatalf("auth error: %v", err)
	}
	defer provider.Stop()
	defer provider.OnIdentityChange(func(id auth.Identity, signedIn bool) {
		logger.WithFields(logrus.Fields{"subject": id.Subject, "role": id.Role, "signed_in": signedIn}).Info("identity changed")
	})()

	router := httpapi.NewRouter(httpapi.Deps{
		Fleet:       fleet,
		Mutator:     coord,
		Status:      sup,
		Queue:       limiter,
		Auth:        provider,
		Activity:    actLog,
		Notices:     notices,
		Schedule:    resets,
		Log:         logger,
		CORSOrigins: cfg.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with the root context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	// Block until context cancelled
	<-ctx.Done()
	shutdown(srv, logger)
	logger.WithField("pending_writes", limiter.Pending()).Info("shutdown complete")
}

// openStore connects the configured backend and the credential store that
// goes with it. Accounts from the routes file are upserted into Postgres.
func openStore(ctx context.Context, cfg *config.Config, accounts []auth.Account, logger *logrus.Logger) (store.Store, auth.CredentialStore, func()) {
	if cfg.StoreBackend == config.BackendMemory {
		creds, err := auth.NewStaticCredentials(accounts)
		if err != nil {
			logger.Fatalf("accounts error: %v", err)
		}
		logger.Warn("using in-memory store, state is lost on restart")
		return memstore.New(), creds, func() {}
	}

	db, err := pgstore.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	if err := pgstore.Ping(ctx, db); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}
	st := pgstore.New(db, "", logger)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatalf("db schema error: %v", err)
	}
	creds := auth.NewPGCredentials(db)
	if err := creds.EnsureSchema(ctx); err != nil {
		logger.Fatalf("accounts schema error: %v", err)
	}
	for _, a := range accounts {
		if err := creds.Upsert(ctx, a); err != nil {
			logger.Fatalf("upsert account %q: %v", a.Identifier, err)
		}
	}
	return st, creds, closeDB(db, logger)
}

func closeDB(db *sqlx.DB, logger *logrus.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("db close failed")
		}
	}
}

func shutdown(srv *http.Server, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).WithField("addr", srv.Addr).Warn("server forced to shutdown")
	}
}

// wrapPublisherMetrics keeps a nil collector from becoming a non-nil
// interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
