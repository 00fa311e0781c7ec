package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kanoniv/kanoniv-cloud/config"
	"github.com/kanoniv/kanoniv-cloud/internal/repositories/entitygraph"
	"github.com/kanoniv/kanoniv-cloud/internal/repositories/matchparams"
	"github.com/kanoniv/kanoniv-cloud/pkg/database"
	"github.com/kanoniv/kanoniv-cloud/pkg/events"
	"github.com/kanoniv/kanoniv-cloud/pkg/fastpath"
	"github.com/kanoniv/kanoniv-cloud/pkg/kafka"
	"github.com/kanoniv/kanoniv-cloud/pkg/locks"
	"github.com/kanoniv/kanoniv-cloud/pkg/middleware"
	"github.com/kanoniv/kanoniv-cloud/pkg/redis"
	"github.com/kanoniv/kanoniv-cloud/pkg/resolve"
	"github.com/kanoniv/kanoniv-cloud/pkg/routes/entity"
	"github.com/kanoniv/kanoniv-cloud/pkg/routes/health"
	"github.com/kanoniv/kanoniv-cloud/pkg/routes/matchparameters"
	"github.com/kanoniv/kanoniv-cloud/pkg/routes/resolution"
	"github.com/kanoniv/kanoniv-cloud/pkg/startup"
	"github.com/kanoniv/kanoniv-cloud/pkg/survivorship"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing"
	"github.com/kanoniv/kanoniv-cloud/pkg/tracing/exporters"
)

const version = "0.3.0"

func main() {
	_ = godotenv.Load()

	var cfg config.Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	db, err := connectDatabase(cfg, logger)
	if err != nil {
		return err
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}

	var producer *kafka.Producer
	var emitter resolve.Events
	if cfg.KafkaEnabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaOutputTopic,
			BatchSize:    cfg.KafkaBatchSize,
			BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
			RequiredAcks: cfg.KafkaRequiredAcks,
			Compression:  cfg.KafkaCompression,
		}, logger)
		emitter = events.NewEmitter(producer, logger)
	}

	policy, err := survivorship.New(cfg.SurvivorshipStrategy)
	if err != nil {
		return err
	}

	graphRepo := entitygraph.NewRepository(db, policy, logger)
	paramsRepo := matchparams.NewRepository(db, logger)

	redisLocker := redis.NewLocker(redisClient, "lock:")
	keyLocker := locks.NewRedisLocker(redisLocker, cfg.LockTTL, cfg.LockWaitTimeout)
	entityLocker := locks.NewRedisLocker(redisLocker, cfg.LockTTL, cfg.LockWaitTimeout)

	resolver := resolve.NewResolver(
		graphRepo,
		fastpath.NewRedisCache(redisClient, cfg.FastPathTTL),
		keyLocker,
		entityLocker,
		paramsRepo,
		emitter,
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	checker := health.NewChecker(db, redisClient, version)
	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := e.Group("/v1")
	resolution.NewHandler(resolver, logger).RegisterRoutes(v1.Group("/resolve"))
	entity.NewHandler(graphRepo, logger).RegisterRoutes(v1)
	matchparameters.NewHandler(paramsRepo, logger).RegisterRoutes(v1.Group("/match-parameters"))

	manager := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	manager.AddDependency(&migrationDependency{cfg: cfg, db: db, logger: logger})
	manager.AddDependency(&serverDependency{cfg: cfg, e: e, checker: checker, logger: logger})

	if err := manager.Start(ctx); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	checker.SetReady(false)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Failed to stop cleanly")
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka producer")
		}
	}
	if err := redisClient.Close(); err != nil {
		logger.WithError(err).Error("Failed to close Redis client")
	}
	if err := db.Close(); err != nil {
		logger.WithError(err).Error("Failed to close database")
	}

	return nil
}

func newLogger(cfg config.Config) ectologger.Logger {
	return ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		var out []byte
		var err error
		if cfg.PrettyLogs {
			out, err = json.MarshalIndent(msg, "", "  ")
		} else {
			out, err = json.Marshal(msg)
		}
		if err != nil {
			return
		}
		fmt.Fprintln(os.Stdout, string(out))
	})
}

func setupTracing(ctx context.Context, cfg config.Config) (func(), error) {
	if !cfg.TracingEnabled {
		tracing.SetTracer(otel.Tracer(cfg.AppName))
		return func() {}, nil
	}

	exporter, err := exporters.NewOTLPExporter(ctx, exporters.OTLPConfig{
		Endpoint: cfg.TracingEndpoint,
		Protocol: cfg.TracingProtocol,
		Insecure: cfg.TracingInsecure,
		Timeout:  10 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.Default()),
	)
	otel.SetTracerProvider(provider)
	tracing.SetTracer(provider.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}, nil
}

func connectDatabase(cfg config.Config, logger ectologger.Logger) (database.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName,
		cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
	)

	sqlxDB, err := sqlx.Connect(cfg.DatabaseDriver, dsn)
	if err != nil {
		return nil, err
	}

	sqlxDB.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
	sqlxDB.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
	sqlxDB.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)

	return database.NewDatabaseInstance(sqlxDB, logger), nil
}

// migrationDependency runs schema migrations before the server accepts traffic.
type migrationDependency struct {
	cfg    config.Config
	db     database.DB
	logger ectologger.Logger
}

func (d *migrationDependency) GetName() string     { return "migrations" }
func (d *migrationDependency) DependsOn() []string { return nil }

func (d *migrationDependency) Start(ctx context.Context) error {
	driver, err := postgres.WithInstance(d.db.Unsafe().DB, &postgres.Config{})
	if err != nil {
		return err
	}

	svc := database.NewMigrationService(d.logger, &database.MigrationConfig{
		MigrationFolderPath: d.cfg.DatabaseMigrationFolderPath,
		Version:             d.cfg.DatabaseMigrationVersion,
	})
	return svc.Migrate(d.cfg.DatabaseName, driver)
}

func (d *migrationDependency) Stop(ctx context.Context) error { return nil }

// serverDependency owns the HTTP listener lifecycle.
type serverDependency struct {
	cfg     config.Config
	e       *echo.Echo
	checker *health.Checker
	logger  ectologger.Logger
}

func (d *serverDependency) GetName() string     { return "http-server" }
func (d *serverDependency) DependsOn() []string { return []string{"migrations"} }

func (d *serverDependency) Start(ctx context.Context) error {
	d.e.Server.ReadTimeout = time.Duration(d.cfg.HttpServerReadTimeoutSeconds) * time.Second
	d.e.Server.WriteTimeout = time.Duration(d.cfg.HttpServerWriteTimeoutSeconds) * time.Second
	d.e.Server.IdleTimeout = time.Duration(d.cfg.HttpServerIdleTimeoutSeconds) * time.Second

	go func() {
		addr := fmt.Sprintf(":%d", d.cfg.Port)
		d.logger.WithFields(map[string]any{"addr": addr}).Info("Starting HTTP server")
		if err := d.e.Start(addr); err != nil && err != http.ErrServerClosed {
			d.logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
	}()

	d.checker.SetReady(true)
	return nil
}

func (d *serverDependency) Stop(ctx context.Context) error {
	return d.e.Shutdown(ctx)
}
