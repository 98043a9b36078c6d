package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories/auditlog"
	entityrepo "github.com/Ramsey-B/clover/internal/repositories/entity"
	householdrepo "github.com/Ramsey-B/clover/internal/repositories/household"
	"github.com/Ramsey-B/clover/internal/repositories/identifier"
	"github.com/Ramsey-B/clover/internal/repositories/matchdecision"
	"github.com/Ramsey-B/clover/internal/repositories/mergeaudit"
	orgrepo "github.com/Ramsey-B/clover/internal/repositories/organization"
	relationshiprepo "github.com/Ramsey-B/clover/internal/repositories/relationship"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/gatekeeper"
	"github.com/Ramsey-B/clover/pkg/graph"
	householdsvc "github.com/Ramsey-B/clover/pkg/household"
	"github.com/Ramsey-B/clover/pkg/intake"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/rejection"
	"github.com/Ramsey-B/clover/pkg/resolution"
	decisionroutes "github.com/Ramsey-B/clover/pkg/routes/decision"
	entityroutes "github.com/Ramsey-B/clover/pkg/routes/entity"
	graphroutes "github.com/Ramsey-B/clover/pkg/routes/graph"
	"github.com/Ramsey-B/clover/pkg/routes/health"
	householdroutes "github.com/Ramsey-B/clover/pkg/routes/household"
	mergeroutes "github.com/Ramsey-B/clover/pkg/routes/merge"
	organizationroutes "github.com/Ramsey-B/clover/pkg/routes/organization"
	relationshiproutes "github.com/Ramsey-B/clover/pkg/routes/relationship"
	resolveroutes "github.com/Ramsey-B/clover/pkg/routes/resolve"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const version = "1.0.0"

func main() {
	// A .env file is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &config.Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := buildRegistry(cfg, logger)
	if err := registry.Start(ctx); err != nil {
		logger.WithError(err).Error("Startup failed")
		os.Exit(1)
	}
	logger.WithFields(map[string]any{"port": cfg.Port, "version": version}).Info("Service started")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := registry.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down tracer provider")
	}
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	var zapLogger *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

// buildRegistry assembles the startup graph: postgres (with migrations),
// the optional graph projection, the service layer and its DI registrations,
// the Kafka intake consumer, and the HTTP server.
func buildRegistry(cfg *config.Config, logger ectologger.Logger) *startup.Registry {
	registry := startup.NewRegistry(logger, cfg.StartupMaxAttempts)

	var (
		db          *sqlx.DB
		graphClient *graph.Client
		resolver    *resolution.Service
		consumer    *kafka.Consumer
		server      *echo.Echo
		checker     *health.Checker
	)

	registry.Add(&startup.Func{
		DependencyName: "postgres",
		StartFunc: func(ctx context.Context) error {
			dsn := fmt.Sprintf(
				"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
				cfg.DatabaseHost, cfg.DatabasePort, cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName, cfg.DatabaseSSLMode,
			)
			conn, err := sqlx.ConnectContext(ctx, cfg.DatabaseDriver, dsn)
			if err != nil {
				return fmt.Errorf("failed to connect to postgres: %w", err)
			}
			conn.SetMaxOpenConns(cfg.DatabaseMaxOpenConns)
			conn.SetMaxIdleConns(cfg.DatabaseMaxIdleConns)
			conn.SetConnMaxLifetime(cfg.DatabaseConnMaxLifetime)
			db = conn

			driver, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
			if err != nil {
				return fmt.Errorf("failed to create migration driver: %w", err)
			}
			migrations := database.NewMigrationService(logger, &database.MigrationConfig{
				MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
				Version:             uint(cfg.DatabaseMigrationVersion),
				Force:               cfg.DatabaseMigrationForce,
				AutoRollback:        cfg.DatabaseMigrationAutoRollback,
			})
			return migrations.Migrate(cfg.DatabaseName, driver)
		},
		StopFunc: func(ctx context.Context) error {
			if db == nil {
				return nil
			}
			return db.Close()
		},
	})

	serviceRequires := []string{"postgres"}
	if cfg.GraphDBEnabled {
		serviceRequires = append(serviceRequires, "graph")
		registry.Add(&startup.Func{
			DependencyName: "graph",
			StartFunc: func(ctx context.Context) error {
				client, err := graph.NewClient(graph.Config{
					Host:     cfg.GraphDBHost,
					Port:     cfg.GraphDBPort,
					Username: cfg.GraphDBUser,
					Password: cfg.GraphDBPassword,
				}, logger)
				if err != nil {
					return err
				}
				if err := client.VerifyConnectivity(ctx); err != nil {
					return fmt.Errorf("graph database unreachable: %w", err)
				}
				graphClient = client
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if graphClient == nil {
					return nil
				}
				return graphClient.Close(ctx)
			},
		})
	}

	registry.Add(&startup.Func{
		DependencyName: "services",
		Requires:       serviceRequires,
		StartFunc: func(ctx context.Context) error {
			svc, err := buildServices(cfg, logger, db, graphClient)
			if err != nil {
				return err
			}
			resolver = svc
			return nil
		},
	})

	if cfg.KafkaConsumerEnabled {
		registry.Add(&startup.Func{
			DependencyName: "kafka-consumer",
			Requires:       []string{"services"},
			StartFunc: func(ctx context.Context) error {
				handler := intake.NewHandler(logger, resolver)
				consumer = kafka.NewConsumer(*cfg, logger, handler.ProcessMessage)
				return consumer.Start(ctx)
			},
			StopFunc: func(ctx context.Context) error {
				if consumer == nil {
					return nil
				}
				return consumer.Stop()
			},
		})
	}

	registry.Add(&startup.Func{
		DependencyName: "http",
		Requires:       []string{"services"},
		StartFunc: func(ctx context.Context) error {
			server = newServer(cfg, logger)

			checker = health.NewChecker(db, graphClient, version)
			checker.RegisterRoutes(server)
			checker.SetReady(true)

			go func() {
				if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
					logger.WithError(err).Info("HTTP server stopped")
				}
			}()
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if server == nil {
				return nil
			}
			checker.SetReady(false)
			return server.Shutdown(ctx)
		},
	})

	return registry
}

// buildServices wires the repositories and domain services and registers
// everything the route handlers resolve from the DI container.
func buildServices(cfg *config.Config, logger ectologger.Logger, db *sqlx.DB, graphClient *graph.Client) (*resolution.Service, error) {
	dbi := database.NewDatabaseInstance(db, logger)

	entities := entityrepo.NewRepository(dbi, logger)
	identifiers := identifier.NewRepository(dbi, logger)
	decisions := matchdecision.NewRepository(dbi, logger)
	relationships := relationshiprepo.NewRepository(dbi, logger)
	audits := mergeaudit.NewRepository(dbi, logger)
	auditEvents := auditlog.NewRepository(dbi, logger)
	organizations := orgrepo.NewRepository(dbi, logger)
	households := householdrepo.NewRepository(dbi, logger)

	patterns := rejection.DefaultPatterns()
	if cfg.GarbagePatternPath != "" {
		loaded, err := rejection.LoadPatterns(cfg.GarbagePatternPath)
		if err != nil {
			return nil, err
		}
		patterns = loaded
	}
	chain, err := rejection.NewChain(patterns, cfg.InternalDomains, cfg.InternalPhoneNumbers, logger)
	if err != nil {
		return nil, err
	}

	rules, err := matching.RulesFromConfig(cfg.ScoreRuleFilePath)
	if err != nil {
		return nil, err
	}
	scorer := matching.NewService(logger, identifiers, rules, matching.Config{CandidateLimit: cfg.CandidateLimit})

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaOutputTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)

	var emitter events.Emitter = events.NewKafkaEmitter(producer, logger)
	if graphClient != nil {
		emitter = graph.NewProjector(graphClient, relationships, emitter, logger)
	}

	resolver := resolution.NewService(logger, resolution.Config{
		AutoMatchThreshold: cfg.AutoMatchThreshold,
		ReviewThreshold:    cfg.ReviewThreshold,
		WorkerCount:        cfg.ResolveWorkerCount,
		BatchLimit:         cfg.ResolveBatchLimit,
	}, chain, scorer, entities, identifiers, decisions, organizations, emitter)

	manager := merging.NewManager(logger, merging.Config{
		AutoResolveThreshold: cfg.AutoResolveThreshold,
	}, entities, identifiers, relationships, audits, auditEvents, decisions, emitter)

	gate := gatekeeper.NewService(logger, entities, relationships, auditEvents, emitter)
	housed := householdsvc.NewService(logger, householdsvc.Config{
		MinResidents: cfg.HouseholdMinResidents,
	}, households, entities, emitter)

	container, err := ectoinject.NewDIDefaultContainer()
	if err != nil {
		return nil, err
	}
	for _, register := range []func() error{
		func() error { return ectoinject.RegisterInstance[ectologger.Logger](container, logger) },
		func() error { return ectoinject.RegisterInstance[*resolution.Service](container, resolver) },
		func() error { return ectoinject.RegisterInstance[*merging.Manager](container, manager) },
		func() error { return ectoinject.RegisterInstance[*gatekeeper.Service](container, gate) },
		func() error { return ectoinject.RegisterInstance[*householdsvc.Service](container, housed) },
		func() error { return ectoinject.RegisterInstance[*entityrepo.Repository](container, entities) },
		func() error { return ectoinject.RegisterInstance[*identifier.Repository](container, identifiers) },
		func() error { return ectoinject.RegisterInstance[*matchdecision.Repository](container, decisions) },
		func() error { return ectoinject.RegisterInstance[*mergeaudit.Repository](container, audits) },
		func() error { return ectoinject.RegisterInstance[*auditlog.Repository](container, auditEvents) },
		func() error { return ectoinject.RegisterInstance[*orgrepo.Repository](container, organizations) },
	} {
		if err := register(); err != nil {
			return nil, err
		}
	}
	if graphClient != nil {
		queries := graph.NewQueryService(graphClient, logger)
		if err := ectoinject.RegisterInstance[*graph.QueryService](container, queries); err != nil {
			return nil, err
		}
	}

	return resolver, nil
}

func newServer(cfg *config.Config, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Server.ReadTimeout = time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second
	e.Server.ReadHeaderTimeout = time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second
	e.Server.IdleTimeout = time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second
	e.Server.MaxHeaderBytes = cfg.MaxHeaderBytes

	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomiddleware.CORSWithConfig(echomiddleware.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	api := e.Group("/api/v1")
	resolveroutes.Register(api.Group("/resolve"))
	decisionroutes.Register(api.Group("/decisions"))
	entityroutes.Register(api.Group("/entities"))
	mergeroutes.Register(api.Group("/merges"))
	relationshiproutes.Register(api.Group("/relationships"))
	if cfg.HouseholdInferenceEnabled {
		householdroutes.Register(api.Group("/households"))
	}
	organizationroutes.Register(api.Group("/organizations"))
	graphroutes.NewHandler(nil, logger).Register(api.Group("/graph"))

	return e
}
