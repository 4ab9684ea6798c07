package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/retopic/admin"
	"github.com/maxpert/retopic/bridge"
	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/telemetry"
	"github.com/maxpert/retopic/topic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Retopic - Reliable Topics over Ring Buffers")

	if cfg.Config.Prometheus.Enabled {
		log.Debug().Msg("Initializing telemetry")
		telemetry.InitializeTelemetry()
		telemetry.InitMetrics()
	}

	client, err := topic.NewClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize topic client")
		return
	}
	defer client.Close()

	bridges := startBridges(client)
	defer stopBridges(bridges)

	collector := topic.NewStatsCollector(client, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	adminServer := startAdminServer(client)
	metricsServer := startMetricsServer()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Str("publisher_address", cfg.Config.PublisherAddress).
		Msg("Retopic started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
}

func startBridges(client *topic.Client) []*bridge.KafkaBridge {
	bridges := make([]*bridge.KafkaBridge, 0, len(cfg.Config.Bridges))
	for _, bc := range cfg.Config.Bridges {
		t, err := client.GetTopic(bc.Topic)
		if err != nil {
			log.Error().Err(err).Str("bridge", bc.Name).Str("topic", bc.Topic).
				Msg("Failed to open topic for bridge")
			continue
		}

		b, err := bridge.NewKafkaBridge(bc, t)
		if err != nil {
			log.Error().Err(err).Str("bridge", bc.Name).Msg("Failed to create bridge")
			continue
		}
		if err := b.Start(bc.LossTolerant); err != nil {
			log.Error().Err(err).Str("bridge", bc.Name).Msg("Failed to start bridge")
			continue
		}

		log.Info().
			Str("bridge", bc.Name).
			Str("topic", bc.Topic).
			Str("kafka_topic", bc.KafkaTopic).
			Strs("brokers", bc.Brokers).
			Msg("Kafka bridge started")
		bridges = append(bridges, b)
	}
	return bridges
}

func stopBridges(bridges []*bridge.KafkaBridge) {
	for _, b := range bridges {
		if err := b.Stop(); err != nil {
			log.Warn().Err(err).Msg("Bridge stop failed")
		}
	}
}

func startAdminServer(client *topic.Client) *http.Server {
	if !cfg.Config.Admin.Enabled {
		return nil
	}

	router := admin.NewRouter(admin.NewHandlers(client))
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port),
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Admin API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return server
}

func startMetricsServer() *http.Server {
	if !cfg.Config.Prometheus.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.GetMetricsHandler())
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port),
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("Metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}
