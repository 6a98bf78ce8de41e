package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jusunglee/mtapi-go/api/handlers"
	"github.com/jusunglee/mtapi-go/internal/logging"
	"github.com/jusunglee/mtapi-go/internal/telemetry"
	"github.com/jusunglee/mtapi-go/pkg/mta"
)

func main() {
	var (
		configFile   = flag.String("config", "", "YAML config file")
		port         = flag.Int("port", 0, "Server port (overrides config)")
		apiKey       = flag.String("api-key", "", "MTA API key (overrides config and MTA_API_KEY)")
		expires      = flag.Duration("expires", 0, "Feed update interval (overrides config)")
		stationsFile = flag.String("stations-file", "", "Subway stations JSON file (overrides config)")
		busStations  = flag.String("bus-stations-file", "", "Bus stations JSON file (overrides config)")
	)
	flag.Parse()

	config, err := mta.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *apiKey != "" {
		config.APIKey = *apiKey
	}
	if *expires != 0 {
		config.Expires = *expires
	}
	if *stationsFile != "" {
		config.StationsFile = *stationsFile
	}
	if *busStations != "" {
		config.BusStationsFile = *busStations
	}

	logger := logging.Init(config.Log.Level, config.Log.Format)

	if config.APIKey == "" {
		logger.Warn("No MTA API key configured, feeds that require one will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, config.Telemetry)
	if err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	// Blocks for the first update of every domain
	client, err := mta.NewLocal(config)
	if err != nil {
		logger.Error("Failed to create MTA client", "error", err)
		os.Exit(1)
	}

	r := mux.NewRouter()
	h := handlers.NewHandler(client, logger)
	h.RegisterRoutes(r)
	r.Use(handlers.Logging(logger))

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(config.Server.Port),
		Handler:      otelhttp.NewHandler(handlers.CORS(config.Server.CORSOrigin)(r), "mtapi"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", config.Server.Port, "version", telemetry.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	client.Close()
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}

	logger.Info("Server stopped")
}
