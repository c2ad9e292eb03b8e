package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/park285/indichess-match/internal/config"
	"github.com/park285/indichess-match/internal/matchbuilder"
	"github.com/park285/indichess-match/internal/obslog"
	"go.uber.org/zap"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		obslog.L().Warn("dotenv_load_failed", zap.Error(err))
	}
	if err := obslog.InitFromEnv(); err != nil {
		obslog.L().Warn("log_init_failed", zap.Error(err))
	}
	defer obslog.Sync()

	cfg, err := config.Load()
	if err != nil {
		obslog.L().Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := matchbuilder.New(ctx, cfg)
	if err != nil {
		obslog.L().Fatal("app_init_error", zap.Error(err))
	}
	if err := app.Start(ctx); err != nil {
		_ = app.Close()
		obslog.L().Fatal("app_start_error", zap.Error(err))
	}

	errCh := make(chan error, 2)
	go func() { errCh <- app.API.ListenAndServe(cfg.HTTPAddr) }()
	go func() {
		if err := app.Live.ListenAndServe(cfg.LiveAddr); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		obslog.L().Info("shutdown_signal")
	case err := <-errCh:
		obslog.L().Error("server_error", zap.Error(err))
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.API.Shutdown(shutCtx); err != nil {
		obslog.L().Warn("api_shutdown_error", zap.Error(err))
	}
	if err := app.Live.Shutdown(shutCtx); err != nil {
		obslog.L().Warn("live_shutdown_error", zap.Error(err))
	}
	if err := app.Close(); err != nil {
		obslog.L().Warn("app_close_error", zap.Error(err))
	}
	obslog.L().Info("shutdown_complete")
	if ctx.Err() == nil {
		obslog.Sync()
		os.Exit(1)
	}
}
