package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/touchline-bridge/internal/api"
	"github.com/thatsimonsguy/touchline-bridge/internal/client"
	"github.com/thatsimonsguy/touchline-bridge/internal/config"
	"github.com/thatsimonsguy/touchline-bridge/internal/coordinator"
	"github.com/thatsimonsguy/touchline-bridge/internal/datadog"
	"github.com/thatsimonsguy/touchline-bridge/internal/env"
	"github.com/thatsimonsguy/touchline-bridge/internal/logging"
	"github.com/thatsimonsguy/touchline-bridge/internal/notifications"
	"github.com/thatsimonsguy/touchline-bridge/internal/store"
)

func main() {
	cfg := config.Load()
	env.Cfg = &cfg
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("controller", cfg.ControllerHost).
		Int("zones", len(cfg.Zones)).
		Int("poll_interval_s", cfg.PollIntervalSeconds).
		Msg("Starting TouchLine bridge")

	datadog.InitMetrics()
	notifications.Init()

	ctrl := client.New(cfg.ControllerHost, time.Duration(cfg.CallTimeoutSeconds)*time.Second)
	defer ctrl.Close()

	probeController(ctrl, len(cfg.Zones))

	st, err := store.Open(cfg.SnapshotFile)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SnapshotFile).Msg("Failed to open snapshot store")
	}
	defer st.Close()

	coord := coordinator.New(
		coordinator.Config{
			PollInterval:     time.Duration(cfg.PollIntervalSeconds) * time.Second,
			StaleThreshold:   cfg.StaleThreshold,
			DisconnectCycles: cfg.DisconnectCycles,
		},
		ctrl,
		cfg.Zones,
		st,
		ntfyNotifier{},
	)

	if prior, err := st.LoadZoneStates(); err != nil {
		log.Warn().Err(err).Msg("Failed to load persisted snapshot, starting cold")
	} else if len(prior) > 0 {
		log.Info().Int("zones", len(prior)).Msg("Restored persisted zone snapshot")
		coord.Restore(prior)
	}

	coord.Start()

	server := api.NewServer(coord)
	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig

	log.Info().Str("signal", s.String()).Msg("Shutting down")
	coord.Stop()
}

// probeController asks the controller for its device count and status word.
// Mismatches are logged, not fatal: the controller may enumerate devices we
// deliberately do not manage.
func probeController(ctrl *client.Client, configured int) {
	ctx := context.Background()

	if count, err := ctrl.ReadDeviceCount(ctx); err != nil {
		log.Warn().Err(err).Msg("Controller device count probe failed")
	} else {
		if count < configured {
			log.Warn().
				Int("controller_devices", count).
				Int("configured_zones", configured).
				Msg("More zones configured than the controller reports")
		}
		log.Info().Int("devices", count).Msg("Controller device count")
	}

	if status, err := ctrl.ReadSystemStatus(ctx); err != nil {
		log.Warn().Err(err).Msg("Controller status probe failed")
	} else {
		log.Info().Str("status", status).Msg("Controller system status")
	}
}

// ntfyNotifier adapts the package-level notifications client to the
// coordinator's Notifier interface.
type ntfyNotifier struct{}

func (ntfyNotifier) Send(title, message string) error {
	return notifications.Send(title, message)
}
