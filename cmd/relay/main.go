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

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/callrelay/internal/app"
	"github.com/ent0n29/callrelay/internal/config"
	"github.com/ent0n29/callrelay/internal/logging"
	"github.com/ent0n29/callrelay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	logger, closer, err := logging.New(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileMaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging init failed: %v\n", err)
		os.Exit(2)
	}
	defer closer.Close()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	res, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("build failed")
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: res.API.Router(),
	}
	res.Sessions.StartJanitor(runCtx, cfg.JanitorInterval)

	go func() {
		logger.WithField("addr", cfg.BindAddr).Info("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.WithField("signal", sig.String()).Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Live calls get their completion mark before the listener goes away.
	drainSessions(shutdownCtx, logger, res.Sessions, cfg.ShutdownTimeout)

	runCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}

// drainSessions terminates every live session and waits for them until ctx
// ends. It returns how many sessions were still open at that point.
func drainSessions(ctx context.Context, logger *logrus.Logger, sessions *session.Registry, timeout time.Duration) int {
	n := sessions.TerminateAll("shutdown")
	if n == 0 {
		return 0
	}
	logger.WithFields(logrus.Fields{
		"sessions": n,
		"timeout":  timeout,
	}).Info("terminating live sessions")
	if sessions.Wait(ctx) {
		return 0
	}
	remaining := sessions.ActiveCount()
	logger.WithField("remaining", remaining).Warn("sessions still open at shutdown deadline")
	return remaining
}
