package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/i474232898/noaa-weather/internal/weather"
)

const defaultUserAgent = "noaa-weather (https://github.com/i474232898/noaa-weather)"

var validate = validator.New()

type AppConfig struct {
	AppEnv   string `validate:"oneof=dev prod"`
	LogLevel slog.Level

	// Location to poll. Both are required; zero is valid.
	Latitude  *float64 `validate:"required,gte=-90,lte=90"`
	Longitude *float64 `validate:"required,gte=-180,lte=180"`
	// StationID, when set, skips station resolution entirely.
	StationID string

	RefreshInterval time.Duration `validate:"gt=0"`
	PollPolicy      string        `validate:"oneof=fixed-rate fixed-delay"`
	QuietInterval   time.Duration `validate:"gte=0"`

	MaxRetries        int           `validate:"gte=1"`
	CacheDir          string        `validate:"required"`
	NOAABaseURL       string        `validate:"required,url"`
	UserAgent         string        `validate:"required"`
	HTTPTimeout       time.Duration `validate:"gt=0"`
	RequestsPerSecond float64       `validate:"gte=0"`
	BreakerFailures   int           `validate:"gte=0"`

	MetricsFlushInterval time.Duration `validate:"gt=0"`

	// MQTT sink; an empty broker publishes to the log instead.
	MQTTBroker   string
	MQTTTopic    string `validate:"required_with=MQTTBroker"`
	MQTTClientID string

	// HTTPAddr is the status API listen address; empty disables it.
	HTTPAddr string
}

// Coordinates returns the configured location.
func (c *AppConfig) Coordinates() weather.Coordinates {
	var coords weather.Coordinates
	if c.Latitude != nil {
		coords.Latitude = *c.Latitude
	}
	if c.Longitude != nil {
		coords.Longitude = *c.Longitude
	}
	return coords
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	return load(os.Getenv)
}

func load(getenv func(string) string) (*AppConfig, error) {
	cfg := &AppConfig{
		AppEnv:       getenvDefault(getenv, "APP_ENV", "dev"),
		StationID:    strings.TrimSpace(getenv("STATION_ID")),
		PollPolicy:   getenvDefault(getenv, "POLL_INTERVAL_POLICY", "fixed-rate"),
		CacheDir:     getenvDefault(getenv, "CACHE_DIR", "./data"),
		NOAABaseURL:  getenvDefault(getenv, "NOAA_BASE_URL", "https://api.weather.gov"),
		UserAgent:    getenvDefault(getenv, "NOAA_USER_AGENT", defaultUserAgent),
		MQTTBroker:   strings.TrimSpace(getenv("MQTT_BROKER")),
		MQTTTopic:    getenvDefault(getenv, "MQTT_TOPIC", "weather/noaa"),
		MQTTClientID: getenvDefault(getenv, "MQTT_CLIENT_ID", "noaa-weather-"+uuid.NewString()[:8]),
		HTTPAddr:     getenvDefault(getenv, "HTTP_ADDR", ":8080"),
	}
	if strings.EqualFold(cfg.HTTPAddr, "off") {
		cfg.HTTPAddr = ""
	}

	var err error
	if cfg.LogLevel, err = parseLogLevel(getenvDefault(getenv, "LOG_LEVEL", "info")); err != nil {
		return nil, err
	}

	if cfg.Latitude, err = getenvFloat(getenv, "LATITUDE"); err != nil {
		return nil, err
	}
	if cfg.Longitude, err = getenvFloat(getenv, "LONGITUDE"); err != nil {
		return nil, err
	}

	minutes, err := strconv.ParseFloat(getenvDefault(getenv, "REFRESH_INTERVAL_MINUTES", "5"), 64)
	if err != nil {
		return nil, &weather.ConfigError{Field: "REFRESH_INTERVAL_MINUTES", Reason: err.Error()}
	}
	cfg.RefreshInterval = time.Duration(minutes * float64(time.Minute))

	if cfg.MaxRetries, err = getenvInt(getenv, "MAX_RETRIES", 4); err != nil {
		return nil, err
	}
	if cfg.BreakerFailures, err = getenvInt(getenv, "NOAA_BREAKER_FAILURES", 0); err != nil {
		return nil, err
	}

	rps := getenvDefault(getenv, "NOAA_REQUESTS_PER_SECOND", "0")
	if cfg.RequestsPerSecond, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, &weather.ConfigError{Field: "NOAA_REQUESTS_PER_SECOND", Reason: err.Error()}
	}

	if cfg.HTTPTimeout, err = getenvDuration(getenv, "HTTP_TIMEOUT", "10s"); err != nil {
		return nil, err
	}
	if cfg.QuietInterval, err = getenvDuration(getenv, "POLL_QUIET_INTERVAL", "0s"); err != nil {
		return nil, err
	}
	if cfg.MetricsFlushInterval, err = getenvDuration(getenv, "METRICS_FLUSH_INTERVAL", "1h"); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, toConfigError(err)
	}
	return cfg, nil
}

func toConfigError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			reason = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		if fe.Tag() == "required" {
			reason = "must be configured with a valid number"
		}
		return &weather.ConfigError{Field: fe.Field(), Reason: reason}
	}
	return err
}

func getenvDefault(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &weather.ConfigError{Field: key, Reason: err.Error()}
	}
	return n, nil
}

func getenvFloat(getenv func(string) string, key string) (*float64, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, &weather.ConfigError{Field: key, Reason: fmt.Sprintf("%q is not a number", v)}
	}
	return &f, nil
}

func getenvDuration(getenv func(string) string, key, def string) (time.Duration, error) {
	v := getenvDefault(getenv, key, def)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &weather.ConfigError{Field: key, Reason: err.Error()}
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, &weather.ConfigError{Field: "LOG_LEVEL", Reason: fmt.Sprintf("%q (allowed: debug, info, warn, error)", s)}
	}
}
