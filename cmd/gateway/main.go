package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinge-app/tinge-session-core/internal/config"
	"github.com/tinge-app/tinge-session-core/internal/gateway"
	"github.com/tinge-app/tinge-session-core/internal/ledger"
	"github.com/tinge-app/tinge-session-core/internal/observability"
	"github.com/tinge-app/tinge-session-core/internal/upstream"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics("tinge_gateway")

	ledgerMgr := ledger.NewManager(ledger.Config{
		DefaultLimit:   uint64(cfg.MaxTokensPerKey),
		LimitEnforced:  cfg.TokenLimitEnabled,
		SweepInterval:  cfg.LedgerSweepEvery,
		InactiveWindow: cfg.LedgerInactiveTTL,
	})

	upstreamClient := upstream.NewClient(cfg.OpenAIAPIKey)

	srv := gateway.New(cfg, ledgerMgr, upstreamClient, metrics)
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	ledgerMgr.StartJanitor(runCtx)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		log.Printf("gateway listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			return httpServer.Close()
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("shutdown signal received")
		runCancel()
	}()

	if err := g.Wait(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
	log.Printf("shutdown complete")
}
