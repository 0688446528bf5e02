// Package main запускает HTTP-сервер сервиса доставки.
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
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/courier-ledger/internal/analytics"
	"github.com/mmeshcher/courier-ledger/internal/cache"
	"github.com/mmeshcher/courier-ledger/internal/config"
	"github.com/mmeshcher/courier-ledger/internal/handler"
	"github.com/mmeshcher/courier-ledger/internal/ledger"
	"github.com/mmeshcher/courier-ledger/internal/middleware"
	"github.com/mmeshcher/courier-ledger/internal/model"
	"github.com/mmeshcher/courier-ledger/internal/notify"
	"github.com/mmeshcher/courier-ledger/internal/order"
	"github.com/mmeshcher/courier-ledger/internal/repository"
	"github.com/mmeshcher/courier-ledger/internal/service"
)

// store объединяет контракты хранилища всех сервисов.
type store interface {
	order.Store
	service.Repository
	analytics.Repository
}

type statsCache interface {
	cache.Cache
	Close() error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo store
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		repo = repository.NewMemoryRepository()
	}

	var stats statsCache = memoryCache{cache.NewMemory(nil)}
	if cfg.RedisAddress != "" {
		rc, err := cache.NewRedis(ctx, cfg.RedisAddress, "courier:")
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		stats = rc
	}
	defer stats.Close()

	notifier, publisher := buildNotifier(cfg, logger)
	if publisher != nil {
		defer publisher.Stop()
	}

	l := ledger.New(time.Now)

	analyticsSvc := analytics.NewService(repo, stats, analytics.Options{
		Location: loc,
		TTL:      cfg.StatsCacheTTL,
		Logger:   logger.Named("analytics"),
	})

	orders := order.NewService(order.Deps{
		Store:     repo,
		Ledger:    l,
		Notifier:  notifier,
		Policy:    order.FlatFee(cfg.CancelPickupFee),
		Logger:    logger.Named("orders"),
		OnSettled: analyticsSvc.Invalidate,
	})

	accounts := service.NewService(repo, l, logger.Named("accounts"))
	defer accounts.Close()

	if cfg.AdminPhone != "" {
		if err := bootstrapAdmin(ctx, accounts, cfg); err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, tokens will not survive a restart")
	}

	h := handler.NewHandler(accounts, orders, analyticsSvc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting courier server", "addr", cfg.RunAddress, "timezone", loc.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		// Дожидаемся уведомлений, запущенных обработанными запросами.
		orders.Wait()
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// memoryCache добавляет кэшу в памяти пустой Close.
type memoryCache struct {
	*cache.Memory
}

func (memoryCache) Close() error { return nil }

func buildNotifier(cfg *config.Config, logger *zap.Logger) (notify.Notifier, *notify.Publisher) {
	var targets notify.Multi
	if cfg.PushGatewayAddress != "" {
		targets = append(targets, notify.NewClient(cfg.PushGatewayAddress))
	} else {
		targets = append(targets, notify.NewLogNotifier(logger.Named("notify")))
	}

	var publisher *notify.Publisher
	if cfg.NSQAddress != "" {
		p, err := notify.NewPublisher(cfg.NSQAddress, notify.DefaultTopic)
		if err != nil {
			logger.Warn("NSQ is unavailable, events will not be published",
				zap.String("address", cfg.NSQAddress), zap.Error(err))
		} else {
			publisher = p
			targets = append(targets, p)
		}
	}
	return targets, publisher
}

func bootstrapAdmin(ctx context.Context, accounts *service.Service, cfg *config.Config) error {
	_, err := accounts.RegisterUser(ctx, service.Registration{
		Name:     "admin",
		Phone:    cfg.AdminPhone,
		Password: cfg.AdminPassword,
		Role:     model.RoleAdmin,
	})
	if err != nil && !errors.Is(err, repository.ErrUserExists) {
		return err
	}
	return nil
}
