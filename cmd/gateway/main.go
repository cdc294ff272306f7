package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shuttlegateway/gateway"
	"shuttlegateway/internal/config"
	"shuttlegateway/internal/gwsingleton"
	"shuttlegateway/internal/plc"
	"shuttlegateway/internal/types"
)

var cell = gwsingleton.New[*gateway.Gateway]()

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("GATEWAY_CONFIG_DIR"))
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	gw, err := gateway.New(cfg, connectorFactory(cfg), prometheus.DefaultRegisterer, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	if err := cell.Init(gw); err != nil {
		logger.Error("failed to install gateway singleton", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, profile := range cfg.DeviceProfiles() {
		if err := gw.ActivateDevice(ctx, profile.ID); err != nil {
			logger.Warn("failed to activate device at startup", "device_id", profile.ID, "error", err)
		}
	}

	logger.Info("=== warehouse shuttle gateway starting ===")

	go startServers(cfg, gw, logger)

	waitForShutdown(logger, cancel, gw)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// connectorFactory chooses between the Siemens S7 connector and the
// in-memory simulator per spec.md's mode switch: "test" mode never
// touches real hardware.
func connectorFactory(cfg *config.Config) gateway.ConnectorFactory {
	return func(profile types.DeviceProfile, testMode bool) plc.Connector {
		if testMode {
			return plc.NewSimConnector()
		}
		plcCfg := plc.Config{
			ReadTimeout:          secondsOr(cfg.Plc.ReadTimeoutSeconds, 10),
			WriteTimeout:         secondsOr(cfg.Plc.WriteTimeoutSeconds, 10),
			MaxConnectionRetries: intOr(cfg.Plc.MaxConnectionRetries, 5),
			RetryDelay:           secondsOr(cfg.Plc.RetryDelaySeconds, 2),
		}
		return plc.NewS7Connector(profile.ProductionEndpoint, profile.Rack, profile.Slot, plcCfg)
	}
}

func startServers(cfg *config.Config, gw *gateway.Gateway, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", gw.Hub().ServeWs)
	mux.HandleFunc("/api/devices/idle", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gw.GetIdleDevices(r.Context()))
	})
	mux.HandleFunc("/api/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(gw.GetPendingTasks())
	})

	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}
	logger.Info("gateway HTTP server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("gateway HTTP server failed", "error", err)
	}
}

func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, gw *gateway.Gateway) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, disposing gateway")
	cancel()
	cell.Dispose(func(g *gateway.Gateway) { g.Dispose() })
	logger.Info("gateway stopped")
}

func secondsOr(seconds, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
