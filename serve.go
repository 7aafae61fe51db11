package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/config"
	"github.com/workspace/session-coordinator/internal/coordinator"
	"github.com/workspace/session-coordinator/internal/hub"
	"github.com/workspace/session-coordinator/internal/logging"
	"github.com/workspace/session-coordinator/internal/server"
	"github.com/workspace/session-coordinator/internal/spawner"
	"github.com/workspace/session-coordinator/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator HTTP and WebSocket server",
		Long:  "Serve loads configuration from the environment (and CONFIG_FILE, if set) and runs until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	coordCfg, err := coordinatorTemplate(ctx, cfg, provider, metrics)
	if err != nil {
		return err
	}

	h, err := hub.New(hub.Config{
		DataDir:          cfg.DataDir,
		Coordinator:      coordCfg,
		IdleTimeout:      cfg.ActorIdleTimeout,
		EvictionSchedule: cfg.EvictionSchedule,
		Metrics:          metrics,
	})
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	if err := h.Start(); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}

	srv := server.New(cfg, h)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		h.Close()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	slog.Info("Session coordinator stopped")
	return nil
}

// coordinatorTemplate builds the per-session coordinator settings shared by
// every resident session.
func coordinatorTemplate(ctx context.Context, cfg *config.Config, provider *telemetry.Provider, metrics *telemetry.Metrics) (coordinator.Config, error) {
	var clientValidator auth.Validator
	if cfg.ClientJWKSEndpoint != "" {
		v, err := auth.NewJWKSValidator(ctx, cfg.ClientJWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return coordinator.Config{}, fmt.Errorf("create client validator: %w", err)
		}
		clientValidator = v
	} else {
		clientValidator = auth.NewHMACValidator([]byte(cfg.ClientTokenSecret), cfg.JWTAudience, cfg.JWTIssuer)
	}

	out := coordinator.Config{
		SandboxValidator:    auth.NewHMACValidator([]byte(cfg.SandboxSharedSecret), "", ""),
		ClientValidator:     clientValidator,
		SubscribeTimeout:    cfg.SubscribeTimeout,
		SpawnTimeout:        cfg.SpawnTimeout,
		HistoryMessageLimit: cfg.HistoryMessageLimit,
		HistoryEventLimit:   cfg.HistoryEventLimit,
		OnlineWindow:        cfg.ParticipantOnlineWindow,
		DefaultModel:        cfg.DefaultModel,
		Metrics:             metrics,
		Tracer:              provider.Tracer,
	}
	if cfg.ControlPlaneURL != "" {
		client := spawner.New(cfg.ControlPlaneURL, cfg.ControlPlaneToken, cfg.SpawnTimeout, provider.Tracer)
		client.Retry.MaxAttempts = cfg.SpawnMaxAttempts
		out.Spawner = client
	} else {
		slog.Warn("CONTROL_PLANE_URL not set, sandbox spawning disabled")
	}
	return out, nil
}
