// Command syncengine runs the headless email sync engine core: the
// Worker Process that hosts Account Supervisors and their Folder Sync
// Units, the Webhook Dispatcher, and, in cluster mode, the Cluster
// Coordinator's leader-election and rebalance loop.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vdavid/syncengine/internal/config"
	"github.com/vdavid/syncengine/internal/controlplane"
	"github.com/vdavid/syncengine/internal/coordinator"
	"github.com/vdavid/syncengine/internal/credentials"
	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/supervisor"
	"github.com/vdavid/syncengine/internal/telemetry"
	"github.com/vdavid/syncengine/internal/webhook"
	"github.com/vdavid/syncengine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := telemetry.NewLogger(cfg.LogLevel)
	logger.Info().Str("mode", string(cfg.Mode)).Msg("starting sync engine")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer store.Close(pool)

	credentialCipher, err := credentials.NewCipher(cfg.EncryptionKeyBase64)
	if err != nil {
		logger.Fatal().Err(err).Msg("build credential cipher")
	}
	credentialProvider := credentials.New(pool, credentialCipher)

	imapPool := imapconn.NewPool(imapconn.Config{
		Capacity:                cfg.AccountSessionCap,
		IdleTTL:                 cfg.IMAPSessionIdleTTL,
		HealthCheckAfter:        cfg.IMAPCommandTimeout,
		DialTimeout:             cfg.IMAPConnDialTimeout,
		MaxConcurrentPerHost:    cfg.ServerMaxConcurrentSessions,
		MaxNewConnPerSecPerHost: cfg.ServerMaxNewConnectionsPerSec,
	}, credentialProvider, logger)
	defer imapPool.Close()

	w := worker.New(pool, imapPool, worker.Config{
		Mode:                  cfg.Mode,
		SupervisorCap:         cfg.WorkerSupervisorCap,
		HeartbeatInterval:     cfg.WorkerHeartbeatInterval,
		LeaseTTL:              cfg.LeaseTTL,
		ReconcileInterval:     cfg.ProvisioningPollInterval,
		ShutdownGraceDeadline: cfg.ShutdownGraceDeadline,
		Supervisor: supervisor.Config{
			BackoffInitial:    cfg.SupervisorRestartBackoffInitial,
			BackoffMax:        cfg.SupervisorRestartBackoffMax,
			BackfillBatchSize: cfg.BackfillBatchSize,
			IMAPIdleRenewal:   cfg.IMAPIdleRenewal,
			DiscoveryInterval: cfg.ProvisioningPollInterval,
		},
	}, logger)

	dispatcher := webhook.New(pool, webhook.Config{
		MaxAttempts:    cfg.WebhookMaxAttempts,
		BackoffInitial: cfg.WebhookBackoffInitial,
		BackoffMax:     cfg.WebhookBackoffMax,
		HTTPTimeout:    cfg.WebhookHTTPTimeout,
		PollInterval:   cfg.ProvisioningPollInterval,
		BatchSize:      50,
	}, logger)

	reporter := &healthReporter{worker: w}

	runtimeErrs := make(chan error, 1)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := w.Run(ctx); err != nil {
			runtimeErrs <- err
		}
	}()

	var coord *coordinator.Coordinator
	if cfg.Mode == config.ModeCluster {
		hub := controlplane.NewHub(logger)
		coord = coordinator.New(pool, coordinator.Config{
			WorkerID:          w.ID,
			RebalanceInterval: cfg.ProvisioningPollInterval,
			LeaseTTL:          cfg.LeaseTTL,
			HeartbeatInterval: cfg.WorkerHeartbeatInterval,
		}, logger, hub)
		reporter.coordinator = coord
		go coord.Run(ctx) //nolint:errcheck

		controlServer := &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.ControlPort),
			Handler: controlplane.NewServer(hub, logger).Handler(),
		}
		go func() {
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("control plane http server")
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceDeadline)
			defer cancel()
			_ = controlServer.Shutdown(shutdownCtx)
		}()
	}

	go dispatcher.Run(ctx)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: telemetry.Mux(string(cfg.Mode), reporter),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("telemetry http server")
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
		<-workerDone
	case err := <-runtimeErrs:
		logger.Error().Err(err).Msg("unrecoverable worker error")
		os.Exit(2)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGraceDeadline)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("sync engine stopped")
}

// healthReporter adapts the Worker and (optionally) Coordinator into
// telemetry.HealthReporter.
type healthReporter struct {
	worker      *worker.Worker
	coordinator *coordinator.Coordinator
}

func (h *healthReporter) LeasesHeld() int { return h.worker.LeasesHeld() }

func (h *healthReporter) IsCoordinator() bool {
	if h.coordinator == nil {
		return false
	}
	return h.coordinator.IsLeader()
}
