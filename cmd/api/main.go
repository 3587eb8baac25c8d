package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/adeyinka/coopledger/pkg/auth"
	"github.com/adeyinka/coopledger/pkg/config"
	"github.com/adeyinka/coopledger/pkg/ledger"
	"github.com/adeyinka/coopledger/pkg/loans"
	"github.com/adeyinka/coopledger/pkg/members"
	"github.com/adeyinka/coopledger/pkg/store"
	"github.com/adeyinka/coopledger/pkg/withdrawals"
)

func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel)

	storage, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer storage.Close()

	tokens := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTExpiry)
	memberSvc := members.NewService(storage, log)
	ledgerEngine := ledger.NewEngine(storage, cfg.MinLedgerYear, cfg.MaxLedgerYear, log)
	loanEngine := loans.NewEngine(storage, ledgerEngine, log)
	withdrawalEngine := withdrawals.NewEngine(storage, cfg.MinWithdrawal, log)

	if err := memberSvc.EnsureAdmin(cfg.AdminEmail, cfg.AdminPassword); err != nil {
		log.WithError(err).Fatal("failed to bootstrap admin account")
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
		if err := loanEngine.Reconcile(); err != nil {
			log.WithError(err).Error("loan reconciliation sweep failed")
		}
	}); err != nil {
		log.WithError(err).Fatal("invalid reconciliation schedule")
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := NewServer(memberSvc, ledgerEngine, loanEngine, withdrawalEngine, tokens, log)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":    cfg.ListenAddr,
			"db_path": cfg.DBPath,
		}).Info("coopledger api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
	log.Info("coopledger api stopped")
}
