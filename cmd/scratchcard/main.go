// Package main запускает HTTP-сервер сервиса скретч-карт.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/scratchcard-system/internal/cache"
	"github.com/mmeshcher/scratchcard-system/internal/config"
	"github.com/mmeshcher/scratchcard-system/internal/handler"
	"github.com/mmeshcher/scratchcard-system/internal/middleware"
	"github.com/mmeshcher/scratchcard-system/internal/repository"
	"github.com/mmeshcher/scratchcard-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		sugar.Warnw("failed to load .env file", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewSeededMemoryRepository()
	}

	opts := service.Options{
		CooldownWindow: cfg.ScratchCooldown,
		WinProbability: cfg.WinProbability,
		Rand:           newRand(cfg.RNGSeed),
		Logger:         logger,
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lb, err := cache.NewRedisLeaderboard(ctx, cfg.RedisAddr, cfg.LeaderboardCacheTTL)
		cancel()
		if err != nil {
			sugar.Warnw("redis unavailable, leaderboard cache disabled", "error", err.Error())
		} else {
			defer lb.Close()
			opts.Cache = lb
		}
	}

	svc := service.NewService(repo, opts)
	defer svc.Close()

	if cfg.AdminEmail != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword)
		cancel()
		if err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is empty, sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret, cfg.TokenTTL)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновый прогрев кэша таблицы лидеров
	g.Go(func() error {
		svc.StartLeaderboardRefresh(ctx, cfg.LeaderboardCacheTTL/2)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting scratchcard server",
			"addr", cfg.RunAddress,
			"cooldown", cfg.ScratchCooldown.String(),
			"winProbability", cfg.WinProbability,
		)
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

func newRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}
