package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/marko911/driftwatch/internal/api"
	"github.com/marko911/driftwatch/internal/delivery"
	"github.com/marko911/driftwatch/internal/drift"
	"github.com/marko911/driftwatch/internal/scanner"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	wsURL := flag.String("ws", "", "push (WebSocket) RPC endpoint URL")
	httpURL := flag.String("rpc", "", "poll (HTTP) RPC endpoint URL")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	level := parseLogLevel(*logLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := scanner.LoadConfig(*configPath, *wsURL, *httpURL)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("starting driftwatch",
		"ws_url", cfg.RPC.WSURL,
		"http_url", cfg.RPC.HTTPURL,
		"anomaly_threshold", cfg.Drift.AnomalyThreshold,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Detection core: cache, layouts and detector are constructed here and
	// injected; their lifecycle is the scanner's lifecycle.
	cache := drift.NewSlotValueCache(cfg.Drift.SlotHistoryDepth)
	layouts := drift.NewLayoutRegistry()
	detector := drift.NewDetector(drift.DetectorConfig{
		AnomalyThreshold:     cfg.Drift.AnomalyThreshold,
		PredictionHorizon:    cfg.Drift.PredictionHorizon,
		PredictionDamping:    cfg.Drift.PredictionDamping,
		EventRetentionBlocks: cfg.Drift.EventRetentionBlocks,
		BurstWeight:          0.3,
		ImpactWeight:         0.4,
		VolatilityWeight:     0.3,
	}, cache, layouts, logger)

	breaker := scanner.NewCircuitBreaker(cfg.Breaker.ErrorThreshold, cfg.Breaker.CoolDown, cfg.Breaker.AutoReset)

	conn := scanner.NewConnectionManager(&cfg.RPC, logger)
	if err := conn.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	var sinks []scanner.EventSink

	if len(cfg.Broker.Addresses) > 0 {
		publisher, err := delivery.NewKafkaPublisher(cfg.Broker.Addresses, cfg.Broker.Topic, logger)
		if err != nil {
			logger.Error("failed to connect broker", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	sc := scanner.NewScanner(cfg, conn, breaker, detector, logger)

	if cfg.API.ListenAddr != "" {
		server := api.NewServer(cfg.API, detector, sc, logger)
		sinks = append(sinks, server)
		go func() {
			if err := server.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("api server exited", "error", err)
				cancel()
			}
		}()
	}

	sc.SetSinks(sinks...)

	if err := sc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scanner exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("driftwatch shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
