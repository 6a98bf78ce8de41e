package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	_ "time/tzdata"

	"github.com/jusunglee/mtapi-go/internal/logging"
	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/pkg/mta"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		apiKey     = flag.String("api-key", "", "MTA API key")
		lat        = flag.Float64("lat", 40.7527, "Latitude")
		lon        = flag.Float64("lon", -73.9772, "Longitude")
		num        = flag.Int("num", 5, "Number of stations")
		route      = flag.String("route", "", "Route to query")
		alerts     = flag.String("alerts", "", "Stop id to show alerts for")
		bus        = flag.Bool("bus", false, "Query the bus domain")
		verbose    = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logging.Init(level, "text")

	config, err := mta.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *apiKey != "" {
		config.APIKey = *apiKey
	}
	// One-shot query, no refresh loop
	config.Threaded = false
	config.Expires = 0

	client, err := mta.NewLocal(config)
	if err != nil {
		slog.Error("Failed to create MTA client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	q := client.Subway()
	if *bus {
		if q = client.Bus(); q == nil {
			slog.Error("Bus domain not configured (set bus_stations_file)")
			os.Exit(1)
		}
	}
	ctx := context.Background()

	switch {
	case *alerts != "":
		printAlerts(ctx, q, *alerts)
	case *route != "":
		printRoute(ctx, q, *route)
	default:
		printNearest(ctx, q, *lat, *lon, *num)
	}

	if updated := q.GetLastUpdate(); !updated.IsZero() {
		fmt.Printf("\nLast real-time update: %s\n", updated.Format("3:04 PM"))
	}
}

func printAlerts(ctx context.Context, q mta.Querier, stop string) {
	alerts, err := q.GetAlertsByStop(ctx, stop)
	if err != nil {
		slog.Error("Failed to get alerts", "stop", stop, "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nAlerts at stop %s:\n", stop)
	if len(alerts) == 0 {
		fmt.Println("  none")
	}
	for _, a := range alerts {
		fmt.Printf("- [%s] %s\n", a.ID, a.Header)
	}
}

func printRoute(ctx context.Context, q mta.Querier, route string) {
	stations, err := q.GetStationsByRoute(ctx, route)
	if err != nil {
		slog.Error("Failed to get stations for route", "route", route, "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nStations on route %s:\n", route)
	for _, station := range stations {
		fmt.Printf("- %s (%s)\n", station.Name, station.ID)
	}
}

func printNearest(ctx context.Context, q mta.Querier, lat, lon float64, num int) {
	stations, err := q.GetStationsByLocation(ctx, lat, lon, num)
	if err != nil {
		slog.Error("Failed to get stations", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nNearest stations to (%.4f, %.4f):\n", lat, lon)
	for _, station := range stations {
		fmt.Printf("\n%s (%s)\n", station.Name, station.ID)
		fmt.Printf("  Routes: %v\n", station.Routes)

		for _, dir := range sortedDirections(station) {
			trains := station.Arrivals[dir]
			if len(trains) == 0 {
				continue
			}
			fmt.Printf("  %s:\n", dir)
			for _, train := range trains[:min(3, len(trains))] {
				fmt.Printf("    %s - %s\n", train.Route, train.Time.Format("3:04 PM"))
			}
		}
		for _, a := range station.SortedAlerts() {
			fmt.Printf("  ! %s\n", a.Header)
		}
	}
}

func sortedDirections(s models.Station) []string {
	if _, ok := s.Arrivals["N"]; ok {
		return []string{"N", "S"}
	}
	return []string{"0", "1"}
}
