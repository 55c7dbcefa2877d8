// Command ari-worker attaches to Asterisk's REST Interface as a stasis
// application: it pairs internal extension-to-extension calls, bridges
// them, and persists a durable record of each call and its raw events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/flowpbx/ari-worker/internal/ariclient"
	"github.com/flowpbx/ari-worker/internal/ariconfig"
	"github.com/flowpbx/ari-worker/internal/ariworker"
	"github.com/flowpbx/ari-worker/internal/callservice"
	"github.com/flowpbx/ari-worker/internal/callstore"
)

func main() {
	cfg, err := ariconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting ari-worker",
		"ari_host", cfg.AriHost,
		"ari_port", cfg.AriPort,
		"ari_app", cfg.AriApp,
	)

	db, err := callstore.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open call store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ari := ariclient.New(ariclient.Config{
		BaseURL:         cfg.AriBaseURL(),
		ApplicationName: cfg.AriApp,
		User:            cfg.AriUser,
		Password:        cfg.AriPass,
		Timeout:         time.Duration(cfg.HTTPTimeoutSec) * time.Second,
	})
	if err := ari.Start(); err != nil {
		slog.Error("failed to start ari client", "error", err)
		os.Exit(1)
	}

	recorder := callstore.NewRecorder(db)
	service := callservice.New(ari, recorder, logger, cfg.OriginateTimeoutSec)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- ariworker.Run(appCtx, cfg, service, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-workerErrCh:
		if err != nil {
			slog.Error("worker loop exited with error", "error", err)
		}
	}

	slog.Info("shutting down ari-worker")
	appCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Error("call service shutdown error", "error", err)
	}

	if err := ari.Close(); err != nil {
		slog.Error("ari client close error", "error", err)
	}

	slog.Info("ari-worker stopped")
}
