package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/chainboard/marketcache/internal/api"
	"github.com/chainboard/marketcache/internal/app"
	iauth "github.com/chainboard/marketcache/internal/auth"
	"github.com/chainboard/marketcache/internal/cache"
	"github.com/chainboard/marketcache/internal/database"
	"github.com/chainboard/marketcache/internal/market"
	"github.com/chainboard/marketcache/internal/realtime"
	"github.com/chainboard/marketcache/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("marketcache-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	if strings.TrimSpace(cfg.Auth.Service.Secret) == "" {
		return errors.New("auth.service.secret must be configured")
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		return errors.New("upstream.base_url must be configured")
	}

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	store := cache.NewDatabaseStore(db)

	fetcher, err := market.NewClient(market.ClientConfig{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		Timeout:      cfg.Upstream.Timeout,
		MinInterval:  cfg.Upstream.MinInterval,
		MaxAttempts:  cfg.Upstream.MaxAttempts,
		RetryBackoff: cfg.Upstream.RetryBackoff,
	})
	if err != nil {
		return fmt.Errorf("initialise upstream client: %w", err)
	}

	var hub *realtime.Hub
	publisher := market.Publisher(market.NopPublisher{})
	if cfg.Broadcast.Enabled {
		hub = realtime.NewHub()
		publisher = market.NewHubPublisher(hub)
	}

	manager, err := market.NewManager(market.ManagerConfig{
		Store:       store,
		Fetcher:     fetcher,
		Publisher:   publisher,
		FallbackTTL: cfg.Cache.FallbackTTL,
	})
	if err != nil {
		return fmt.Errorf("initialise cache manager: %w", err)
	}

	refresher, err := market.NewRefresher(manager, store, refreshTargets(cfg),
		market.WithSchedule(cfg.Refresh.Schedule),
		market.WithSweepSchedule(cfg.Refresh.SweepSchedule),
		market.WithSweepRetention(cfg.Cache.SweepRetention),
	)
	if err != nil {
		return fmt.Errorf("initialise refresher: %w", err)
	}

	if cfg.Refresh.Enabled {
		if err := refresher.Start(); err != nil {
			return fmt.Errorf("start refresh jobs: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := refresher.Close(stopCtx); err != nil {
				log.Warn("refresher shutdown cleanup failed", zap.Error(err))
			}
		}()
	}

	tokens, err := iauth.NewServiceTokenService(iauth.ServiceTokenConfig{
		Secret: cfg.Auth.Service.Secret,
		Issuer: cfg.Auth.Service.Issuer,
		TTL:    cfg.Auth.Service.TTL,
	})
	if err != nil {
		return fmt.Errorf("initialise service token service: %w", err)
	}

	router, err := api.NewRouter(cfg, api.Deps{
		Manager:   manager,
		Refresher: refresher,
		Hub:       hub,
		Tokens:    tokens,
	})
	if err != nil {
		return fmt.Errorf("build api router: %w", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func refreshTargets(cfg *app.Config) []market.Target {
	targets := make([]market.Target, 0, len(cfg.Refresh.Targets))
	for _, target := range cfg.Refresh.Targets {
		ttl := time.Duration(target.TTLMinutes) * time.Minute
		if ttl <= 0 {
			ttl = cfg.Cache.DefaultTTL
		}

		name := strings.TrimSpace(target.Name)
		spec := market.FetchSpec{
			Endpoint: target.Endpoint,
			Chain:    target.Chain,
			Params:   target.Params,
		}
		if name == "" {
			name = spec.CacheKey()
		}

		targets = append(targets, market.Target{Name: name, Spec: spec, TTL: ttl})
	}
	return targets
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
