package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"math00ost/config"
	"math00ost/db"
	"math00ost/handlers"
	"math00ost/reconcile"
	"math00ost/store"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// Local store is required; remote is best effort
	local, err := db.OpenLocalStore(cfg.LocalPath, cfg.LocalQuota, logger)
	if err != nil {
		logger.Error("Failed to open local store", slog.String("path", cfg.LocalPath), slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer local.Close()

	redisClient, online := db.InitializeRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	defer redisClient.Close()
	remote := db.NewRemoteStore(redisClient, cfg.RemoteTimeout, logger)

	st := store.New()
	policy := reconcile.New(st, local, remote,
		reconcile.WithLogger(logger),
		reconcile.WithTimeout(cfg.RemoteTimeout),
		reconcile.WithOnline(online),
	)
	st.SetNotifier(policy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := policy.Start(ctx); err != nil {
		logger.Error("Failed to restore local data", slog.String("error", err.Error()))
		os.Exit(1)
	}
	go policy.Run(ctx, cfg.ProbeInterval)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	apiHandler := handlers.NewAPIHandler(st, policy, logger)
	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: handlers.NewRouter(apiHandler, cfg.Debug),
	}

	go func() {
		logger.Info("Starting server", slog.String("addr", cfg.ServerAddr), slog.Bool("online", online))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Failed to run server", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown", slog.String("error", err.Error()))
	}
	policy.Wait()
}
