// Command senscastd serves the capture-to-settlement pipeline: recording
// uploads, reward settlement, referral detection and claims, participant
// stats, and media retrieval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"senscast/config"
	"senscast/gateway"
	"senscast/ledger"
	"senscast/media"
	"senscast/observability"
	"senscast/observability/logging"
	"senscast/records"
	"senscast/reward"
)

func main() {
	if err := run(); err != nil {
		slog.Error("senscastd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to senscastd configuration")
	flag.Parse()

	cfg := config.Default()
	if strings.TrimSpace(cfgPath) != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log := logging.Setup(cfg.Service, cfg.Env)

	store, err := records.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()

	blobs, err := media.NewFileStore(cfg.Media.Dir, cfg.Media.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}

	ledgerClient := ledger.NewRPCClient(
		cfg.Ledger.RPCURL,
		cfg.Ledger.AuthToken,
		cfg.Ledger.ChainID,
		cfg.Ledger.CallTimeout.Duration,
	)

	coordinator := reward.NewCoordinator(store, blobs, ledgerClient, reward.Config{
		MinSeconds:        cfg.Rewards.MinSeconds,
		SecondsPerUnit:    cfg.Rewards.SecondsPerUnit,
		MaxSessionSeconds: cfg.Rewards.MaxSessionSeconds,
		DailyReferralCap:  cfg.Referrals.DailyCap,
		RewardPerReferral: cfg.Referrals.RewardPerReferral,
	},
		reward.WithLogger(log),
		reward.WithMetrics(observability.Pipeline()),
	)

	srv := gateway.New(gateway.Config{
		Coordinator:      coordinator,
		Store:            store,
		MediaDir:         blobs.Dir(),
		MaxUploadBytes:   cfg.Uploads.MaxBytes,
		UploadsPerMinute: cfg.Uploads.PerMinute,
		UploadBurst:      cfg.Uploads.Burst,
		Log:              log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		log.Info("senscastd listening", slog.String("addr", cfg.Listen))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("senscastd stopped")
		return nil
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
