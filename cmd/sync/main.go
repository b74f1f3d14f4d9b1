package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miragespace/billsync/catalog"
	"github.com/miragespace/billsync/config"
	"github.com/miragespace/billsync/db"
	"github.com/miragespace/billsync/external"
	"github.com/miragespace/billsync/task"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
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

	interval := flag.Duration("interval", 0, "keep running and synchronize the catalog every interval")
	flag.Parse()

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
			"component": "sync",
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

	catalogTask, err := task.NewCatalogTask(task.CatalogOptions{
		CatalogManager: catalogManager,
		Source:         provider,
		Logger:         logger,
		Interval:       *interval,
	})
	if err != nil {
		logger.Fatal("Cannot get catalog task",
			zap.Error(err),
		)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c
		cancel()
	}()

	if err := catalogTask.Run(ctx); err != nil {
		logger.Fatal("Cannot synchronize catalog",
			zap.Error(err),
		)
	}
}
