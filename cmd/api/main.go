package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/billsync/broker"
	"github.com/miragespace/billsync/catalog"
	"github.com/miragespace/billsync/config"
	"github.com/miragespace/billsync/customer"
	"github.com/miragespace/billsync/db"
	"github.com/miragespace/billsync/external"
	"github.com/miragespace/billsync/guard"
	"github.com/miragespace/billsync/subscription"
	"github.com/miragespace/billsync/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var err error

	// Determine running environment and initialize structural logger
	env := config.CurrentEnvironment()
	if env == config.EnvProduction {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	conf, err := config.Load(env, env.DotFile())
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         conf.SentryDSN,
		Environment: string(env),
		Debug:       env == config.EnvDevelopment,
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

	gdb, err := db.New(logger, conf.PostgresURI)
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	var deduper guard.Deduper
	if conf.RedisURI != "" {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{conf.RedisURI},
			Password: conf.RedisPW,
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()

		deduper, err = guard.NewRedisDeduper(guard.RedisOptions{
			Redis:  rdb,
			Window: conf.DedupWindow,
			Lease:  conf.ProcessingTimeout,
		})
	} else {
		logger.Warn("REDIS_URI is not set, deduplicating events in memory")
		deduper, err = guard.NewMemoryDeduper(conf.DedupCapacity, conf.DedupWindow)
	}
	if err != nil {
		logger.Fatal("Cannot initialize Deduper",
			zap.Error(err),
		)
	}

	var producer broker.Producer = broker.Nop{}
	if conf.AMQPURI != "" {
		amqpBroker, err := broker.NewAMQPBroker(conf.AMQPURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	provider, err := external.NewProvider(external.ProviderOptions{
		StripeClient: external.NewStripeClient(conf.StripeKey),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Provider",
			zap.Error(err),
		)
	}

	catalogManager, err := catalog.NewManager(catalog.ManagerOptions{
		DB:       gdb,
		Logger:   logger,
		Provider: provider,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CatalogManager",
			zap.Error(err),
		)
	}

	customerManager, err := customer.NewManager(customer.ManagerOptions{
		DB:              gdb,
		Provider:        provider,
		Logger:          logger,
		UserMetadataKey: conf.CustomerUserMetadataKey,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	reconciler, err := subscription.NewReconciler(subscription.ReconcilerOptions{
		DB:        gdb,
		Provider:  provider,
		Customers: customerManager,
		Producer:  producer,
		Logger:    logger,
		TxOptions: db.SerializableTx,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Reconciler",
			zap.Error(err),
		)
	}

	webhookService, err := webhook.NewService(webhook.ServiceOptions{
		Verifier: &webhook.Verifier{
			Secret:    conf.StripeWebhookSecret,
			Tolerance: conf.WebhookTolerance,
		},
		Deduper: deduper,
		Locker:  guard.NewKeyedMutex(),
		Router: &webhook.Router{
			Catalog:       catalogManager,
			Subscriptions: reconciler,
		},
		Logger:            logger,
		ProcessingTimeout: conf.ProcessingTimeout,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Webhook Service Router",
			zap.Error(err),
		)
	}

	catalogService, err := catalog.NewService(catalog.ServiceOptions{
		CatalogManager: catalogManager,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Catalog Service Router",
			zap.Error(err),
		)
	}

	subscriptionService, err := subscription.NewService(subscription.ServiceOptions{
		Reconciler: reconciler,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.Recoverer)

	rootRouter.Mount("/webhooks/stripe", webhookService.Router())
	rootRouter.Mount("/subscriptions", subscriptionService.Router())
	rootRouter.Route("/products", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: conf.CORSOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			MaxAge:         300,
		}))
		r.Mount("/", catalogService.Router())
	})

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := gdb.DB()
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
		Handler:           rootRouter,
		Addr:              conf.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Listening for requests",
			zap.String("Addr", conf.ListenAddr),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server stopped unexpectedly",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	// let in-flight reconciliations finish before closing the store
	ctx, cancel := context.WithTimeout(context.Background(), conf.ProcessingTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Cannot shutdown gracefully",
			zap.Error(err),
		)
	}
}
