package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/subledger/config"
	"github.com/zllovesuki/subledger/db"
	"github.com/zllovesuki/subledger/event"
	"github.com/zllovesuki/subledger/external"
	"github.com/zllovesuki/subledger/lock"
	"github.com/zllovesuki/subledger/metrics"
	"github.com/zllovesuki/subledger/normalize"
	"github.com/zllovesuki/subledger/notify"
	"github.com/zllovesuki/subledger/plan"
	"github.com/zllovesuki/subledger/reconcile"
	"github.com/zllovesuki/subledger/subscription"
	"github.com/zllovesuki/subledger/transaction"
	"github.com/zllovesuki/subledger/user"
	"github.com/zllovesuki/subledger/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var err error

	// Determine running environment and initialize structural logger
	environment, dotFile := config.DotFile(os.Getenv("ENV"))
	if environment == config.EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Load configurations from dotFile
	conf, err := config.Load(dotFile)
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.SentryDSN,
		Environment: string(conf.Env),
		Release:     Version,
		Debug:       conf.Development(),
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Fatal("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.Stringer("Config", conf),
	)

	// Initialize backend connections
	db, err := db.New(logger, conf.PostgresURI)
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{conf.RedisURI},
		Password: conf.RedisPassword,
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	var publisher notify.Publisher
	switch conf.NotifyTransport {
	case config.TransportNATS:
		publisher, err = notify.NewNATSPublisher(conf.NATSURL)
	default:
		publisher, err = notify.NewAMQPPublisher(conf.AMQPURI)
	}
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.String("Transport", conf.NotifyTransport),
			zap.Error(err),
		)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.New()

	planManager, err := plan.NewManager(plan.ManagerOptions{
		DB:             db,
		Logger:         logger,
		PathToPlanJSON: conf.PlansFile,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PlanManager",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:        db,
		Logger:    logger,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	transactionManager, err := transaction.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize TransactionManager",
			zap.Error(err),
		)
	}

	userManager, err := user.NewManager(logger, db, rdb)
	if err != nil {
		logger.Fatal("Cannot initialize UserManager",
			zap.Error(err),
		)
	}

	dispatcher, err := notify.NewDispatcher(notify.Options{
		Publisher: publisher,
		Redis:     rdb,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Dispatcher",
			zap.Error(err),
		)
	}

	normalizeOptions := normalize.Options{
		Logger:             logger,
		Environment:        conf.AppleEnvironment,
		AndroidPackageName: conf.GooglePackageName,
	}
	provisioners := map[event.Provider]reconcile.Provisioner{}

	if len(conf.StripeKey) > 0 {
		stripeGateway, err := external.NewStripe(external.StripeOptions{
			Key:    conf.StripeKey,
			Logger: logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Stripe client",
				zap.Error(err),
			)
		}
		normalizeOptions.Stripe = stripeGateway
		provisioners[event.ProviderStripe] = stripeGateway
	} else {
		logger.Warn("STRIPE_KEY is not set, Stripe events will not be enriched")
	}

	if len(conf.GooglePackageName) > 0 {
		android, err := external.NewAndroid(ctx, logger, option.WithCredentialsFile(conf.GoogleCredentialsFile))
		if err != nil {
			logger.Fatal("Cannot initialize Play Developer API client",
				zap.Error(err),
			)
		}
		normalizeOptions.Android = android
	}

	normalizer, err := normalize.New(normalizeOptions)
	if err != nil {
		logger.Fatal("Cannot initialize Normalizer",
			zap.Error(err),
		)
	}

	engine, err := reconcile.New(reconcile.Options{
		Ledger:       subscriptionManager,
		Recorder:     transactionManager,
		Catalog:      planManager,
		Dispatcher:   dispatcher,
		Users:        userManager,
		Locker:       lock.NewRedis(rdb),
		Logger:       logger,
		Provisioners: provisioners,
		Metrics:      collector,
		LockTTL:      conf.LockTTL,
	})
	if err != nil {
		logger.Fatal("Cannot initialize reconciliation Engine",
			zap.Error(err),
		)
	}

	webhookService, err := webhook.NewService(webhook.Options{
		Normalizer:          normalizer,
		Reconciler:          engine,
		Logger:              logger,
		Metrics:             collector,
		StripeWebhookSecret: conf.StripeWebhookSecret,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.Recoverer)

	rootRouter.Mount("/webhooks", webhookService.Router())
	rootRouter.Handle("/metrics", collector.Handler())
	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping().Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    conf.ListenAddr,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start HTTP server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API server started",
		zap.String("Addr", conf.ListenAddr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, time.Second*15)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server did not shut down cleanly",
			zap.Error(err),
		)
	}
}
