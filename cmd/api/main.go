package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcclellann/creditline/pkg/config"
	"github.com/mcclellann/creditline/pkg/ledger"
	"github.com/mcclellann/creditline/pkg/scheduler"
	"github.com/mcclellann/creditline/pkg/store"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Logger()

	storage, err := store.Open(cfg.DBDriver, cfg.DBConn)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}

	server := NewServer(storage, logger, ledger.WithPolicy(ledger.Policy{
		PenaltyRate:       cfg.PenaltyRate,
		DefaultTermMonths: cfg.DefaultTermMonths,
		DefaultAnnualRate: cfg.DefaultAnnualRate,
		AutoOpenPlan:      cfg.AutoOpenPlan,
	}))
	defer server.Close()

	sweeper, err := scheduler.New(server.ledger, cfg.PenaltySweepSchedule, logger)
	if err != nil {
		logger.Fatalf("Failed to schedule penalty sweep: %v", err)
	}
	sweeper.Start()
	logger.WithField("next", sweeper.Next()).Info("Penalty sweep scheduled")

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("Server starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP shutdown failed")
	}
	sweeper.Stop(shutdownCtx)
	logger.Info("Server stopped")
}
