package mta

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jusunglee/mtapi-go/internal/feed"
	"github.com/jusunglee/mtapi-go/internal/telemetry"
)

// Config holds configuration for the MTA client
// APIKey required for accessing MTA's GTFS-RT feeds
type Config struct {
	APIKey          string        `yaml:"api_key"`
	StationsFile    string        `yaml:"stations_file" validate:"required"`
	BusStationsFile string        `yaml:"bus_stations_file"`
	Expires         time.Duration `yaml:"expires" validate:"gte=0"`
	MaxTrains       int           `yaml:"max_trains" validate:"gt=0"`
	MaxMinutes      int           `yaml:"max_minutes" validate:"gt=0"`
	Threaded        bool          `yaml:"threaded"`
	LockTimeout     time.Duration `yaml:"lock_timeout" validate:"gte=0"`
	HTTPTimeout     time.Duration `yaml:"http_timeout" validate:"gte=0"`
	Timezone        string        `yaml:"timezone" validate:"required"`

	Subway FeedConfig `yaml:"subway"`
	Bus    FeedConfig `yaml:"bus"`

	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// FeedConfig lists the upstream sources of one domain
type FeedConfig struct {
	Feeds  []string `yaml:"feeds" validate:"dive,url"`
	Alerts string   `yaml:"alerts" validate:"omitempty,url"`
	// KeyParam sends the API key as this query parameter instead of the
	// x-api-key header
	KeyParam string `yaml:"key_param"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
	// CORSOrigin is sent as Access-Control-Allow-Origin when set
	CORSOrigin string `yaml:"cors_origin"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns default configuration
// 60-second update interval balances freshness with API rate limits
func DefaultConfig() Config {
	return Config{
		StationsFile: "data/stations.json",
		Expires:      60 * time.Second,
		MaxTrains:    10,
		MaxMinutes:   30,
		Threaded:     true,
		LockTimeout:  feed.DefaultLockTimeout,
		HTTPTimeout:  feed.DefaultHTTPTimeout,
		Timezone:     "America/New_York",
		Subway: FeedConfig{
			Feeds:  append([]string(nil), feed.SubwayFeedURLs...),
			Alerts: feed.SubwayAlertURL,
		},
		Bus: FeedConfig{
			Feeds:  append([]string(nil), feed.BusFeedURLs...),
			Alerts: feed.BusAlertURL,
		},
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies the MTA_API_KEY
// environment variable and validates the result. An empty path skips the
// file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if key := os.Getenv("MTA_API_KEY"); key != "" {
		cfg.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Threaded && c.Expires <= 0 {
		return errors.New("invalid config: threaded mode needs a positive expires interval")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid config: timezone: %w", err)
	}
	return nil
}

// Location returns the timezone feed times are reported in
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
