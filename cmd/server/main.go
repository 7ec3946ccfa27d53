package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/david/grant-intake/internal/api"
	"github.com/david/grant-intake/internal/app"
	"github.com/david/grant-intake/internal/auth"
	"github.com/david/grant-intake/internal/config"
	"go.uber.org/zap"
)

func main() {
	app.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("failed to load config", zap.Error(err))
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		zap.L().Fatal("failed to init logger", zap.Error(err))
	}
	defer func() { _ = zap.L().Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := app.Init(ctx, cfg)
	if err != nil {
		zap.L().Error("failed to initialize", zap.Error(err))
		os.Exit(1)
	}
	defer env.Close()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AdminSecret, cfg.Auth.TokenTTL)
	if err != nil {
		zap.L().Error("failed to initialize auth", zap.Error(err))
		os.Exit(1)
	}
	if cfg.Auth.AdminSecret == "" {
		zap.L().Warn("admin secret is not set; operator tokens cannot be issued")
	}

	srv := api.NewServer(env.Pipeline, issuer, env.Metrics, env.Runs, api.Options{CORSOrigins: cfg.Server.CORSOrigins})

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("server starting", zap.String("port", cfg.Server.Port))
		errCh <- srv.Start(cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		zap.L().Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("shutdown incomplete", zap.Error(err))
	}
}
