package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kasirledger/backend/internal/cache"
	"kasirledger/backend/internal/config"
	"kasirledger/backend/internal/httpapi"
	"kasirledger/backend/internal/logger"
	"kasirledger/backend/internal/service"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
	pgstore "kasirledger/backend/internal/store/postgres"
)

// ledgerStore is what the process needs from a backend: the ledger itself
// plus the account table behind login.
type ledgerStore interface {
	store.Repository
	store.UserStore
}

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 2)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}()

	repo, closeRepo, err := openRepository(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closeRepo != nil {
		closers = append(closers, closeRepo)
	}

	stockCache, closeCache := openStockCache(ctx, cfg, log)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	svc := service.New(repo, stockCache, log, service.WithStockCacheTTL(cfg.StockCacheTTL()))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, log)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("ledger backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case s := <-sig:
		log.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openRepository picks postgres when DATABASE_URL is set and refuses to fall
// back to memory if it is unreachable.
func openRepository(ctx context.Context, cfg config.Config, log *zap.Logger) (ledgerStore, func() error, error) {
	if cfg.DatabaseURL == "" {
		log.Info("repository: in-memory", zap.String("organization_id", cfg.DefaultOrganizationID))
		return memory.NewSeeded(cfg.DefaultOrganizationID), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
		MaxRetries:  cfg.TxMaxRetries,
		LockTimeout: cfg.LockTimeout(),
		Logger:      log,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("schema migrated")
	}
	log.Info("repository: postgres")
	return pg, pg.Close, nil
}

func openStockCache(ctx context.Context, cfg config.Config, log *zap.Logger) (cache.StockCache, func() error) {
	if cfg.RedisAddr == "" {
		log.Info("stock cache: noop")
		return cache.NoopStockCache{}, nil
	}

	redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		log.Warn("redis unavailable, using noop stock cache", zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopStockCache{}, nil
	}
	log.Info("stock cache: redis", zap.String("addr", cfg.RedisAddr))
	return redisCache, redisCache.Close
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects repeated, sequential and well-known PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"000000": true, "121212": true, "112233": true, "123123": true,
		"696969": true, "159753": true, "147258": true, "246810": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
