package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver for database/sql (migrations)
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-tables/pkg/audit"
	"github.com/ekaya-inc/ekaya-tables/pkg/cache"
	"github.com/ekaya-inc/ekaya-tables/pkg/config"
	"github.com/ekaya-inc/ekaya-tables/pkg/database"
	"github.com/ekaya-inc/ekaya-tables/pkg/handlers"
	"github.com/ekaya-inc/ekaya-tables/pkg/lock"
	"github.com/ekaya-inc/ekaya-tables/pkg/logging"
	"github.com/ekaya-inc/ekaya-tables/pkg/middleware"
	"github.com/ekaya-inc/ekaya-tables/pkg/repositories"
	"github.com/ekaya-inc/ekaya-tables/pkg/retry"
	"github.com/ekaya-inc/ekaya-tables/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.URL())),
		zap.Bool("redis_cache", cfg.Redis.Host != ""))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Env == "local" {
		zcfg = zap.NewDevelopmentConfig()
	}
	if err := zcfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Postgres may still be starting when we come up in compose.
	db, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*database.DB, error) {
		return database.NewConnection(ctx, &database.Config{
			URL:              cfg.Database.URL(),
			MaxConnections:   cfg.Database.MaxConnections,
			StatementTimeout: cfg.Database.StatementTimeout,
		})
	})
	if err != nil {
		return fmt.Errorf("connect to database: %s", logging.SanitizeError(err))
	}
	defer db.Close()

	if cfg.Engine.RunMigrations {
		if err := migrate(cfg, logger); err != nil {
			return err
		}
	}

	descriptors, closeCache, err := newDescriptorCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	metadataRepo := repositories.NewMetadataRepository()
	changeLogRepo := repositories.NewChangeLogRepository()
	tenantCtx := services.NewTenantContextFunc(db)
	auditor := audit.NewSecurityAuditor(logger)
	locks := lock.NewCoordinator(cfg.Locks, logger)

	resolver := services.NewDescriptorResolver(metadataRepo, descriptors, logger)
	schemaService := services.NewSchemaService(metadataRepo, changeLogRepo, locks, auditor, tenantCtx, cfg.Engine, logger,
		services.NewCacheInvalidator(descriptors, logger))
	dataService := services.NewDataService(resolver, tenantCtx, cfg.Engine, logger)
	queryService := services.NewQueryService(resolver, tenantCtx, auditor, logger)
	changeLogService := services.NewChangeLogService(metadataRepo, changeLogRepo, tenantCtx, cfg.Engine, logger)

	mux := http.NewServeMux()
	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(db, logger))

	handlers.NewHealthHandler(cfg, db, logger).RegisterRoutes(mux)
	handlers.NewSchemaHandler(schemaService, changeLogService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewDataHandler(dataService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewQueryHandler(queryService, logger).RegisterRoutes(mux, tenantMiddleware)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger.Named("http"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-tables",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// migrate applies metadata-store migrations over a database/sql handle, which
// golang-migrate requires.
func migrate(cfg *config.Config, logger *zap.Logger) error {
	sqlDB, err := sql.Open("pgx", cfg.Database.URL())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, logger.Named("migrations")); err != nil {
		return err
	}
	return nil
}

// newDescriptorCache returns the Redis cache when Redis is configured and the
// in-process cache otherwise.
func newDescriptorCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.DescriptorCache, func(), error) {
	client, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		logger.Info("Redis not configured, caching descriptors in process")
		return cache.NewMemoryCache(cfg.Redis.CacheTTL), func() {}, nil
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close Redis client", zap.Error(err))
		}
	}
	return cache.NewRedisCache(client, cfg.Redis.CacheTTL), closeFn, nil
}
