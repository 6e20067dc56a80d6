// Package main запускает HTTP-сервер продажи уроков.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/lessonpay/internal/config"
	"github.com/mmeshcher/lessonpay/internal/handler"
	"github.com/mmeshcher/lessonpay/internal/middleware"
	"github.com/mmeshcher/lessonpay/internal/processor"
	"github.com/mmeshcher/lessonpay/internal/repository"
	"github.com/mmeshcher/lessonpay/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	schedule, err := cfg.FeeSchedule()
	if err != nil {
		sugar.Fatalw("fee schedule error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, purchases are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	stripeClient := processor.NewStripeClient(processor.Options{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		APIURL:            cfg.StripeAPIURL,
		MaxNetworkRetries: 2,
	}, logger.Named("stripe").Sugar())

	svc := service.NewService(repo, stripeClient, service.Settings{
		Fees:             schedule,
		Currency:         cfg.Currency,
		SuccessURL:       cfg.CheckoutSuccessURL,
		CancelURL:        cfg.CheckoutCancelURL,
		PayoutStaleAfter: cfg.PayoutStaleAfter,
		PayoutSweepEvery: cfg.PayoutSweepInterval,
		PayoutRetries:    cfg.PayoutRetryAttempts,
		PayoutRetryDelay: 500 * time.Millisecond,
	}, logger.Named("service"))
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, stripeClient, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновая проверка зависших выплат
	g.Go(func() error {
		svc.StartPayoutSweep(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting lessonpay server",
			"addr", cfg.RunAddress,
			"fee_percent", schedule.Percent().String(),
			"currency", cfg.Currency)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
