package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tooltalk-server/api"
	"tooltalk-server/config"
	"tooltalk-server/driver"
	"tooltalk-server/results"
	"tooltalk-server/telemetry"
)

func main() {
	configPath := flag.String("config", "tooltalk.yaml", "Path to YAML config file")
	serialPort := flag.String("port", "", "Serial port (e.g. COM3, /dev/ttyUSB0)")
	controllerIP := flag.String("ip", "", "Controller IP address (selects the TCP transport)")
	listen := flag.String("listen", "", "HTTP listen address for /ws and /metrics")
	simulate := flag.Bool("simulate", false, "Simulation mode, no hardware required")
	scan := flag.Bool("scan", false, "Scan for a controller in the background")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *serialPort != "" {
		cfg.SerialPort = *serialPort
	}
	if *controllerIP != "" {
		cfg.ControllerIP = *controllerIP
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *simulate {
		cfg.Simulation = true
	}
	if *scan {
		cfg.Scan = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level")
	}
	log = log.Level(level)

	registry := prometheus.NewRegistry()
	tel, err := telemetry.NewPrometheusCollector(registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	collector := results.NewCollector()
	link := driver.NewLink(log, driver.WithTelemetry(tel))
	handler := api.NewHandler(link, collector, cfg.ResultsDir, log)
	link.SetStatusCallback(handler.Broadcast)

	var scanner *driver.Scanner
	switch {
	case cfg.Simulation:
		log.Info().Msg("simulation mode, no controller connection")
	case cfg.Scan:
		scanner = driver.NewScanner(link,
			[]string{cfg.Endpoint()},
			time.Duration(cfg.ScanIntervalSec)*time.Second,
			log)
		scanner.Start()
	default:
		endpoint := cfg.Endpoint()
		if link.Connect(endpoint) {
			log.Info().Str("endpoint", endpoint).Msg("controller connected")
		} else {
			log.Warn().Str("endpoint", endpoint).Msg("controller not connected, connect via the UI")
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handler.ServeWS)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("shutting down")
	if scanner != nil {
		scanner.Stop()
	}
	link.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
}
