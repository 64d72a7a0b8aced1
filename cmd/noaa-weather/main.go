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

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httpapi "github.com/i474232898/noaa-weather/internal/api/http"
	"github.com/i474232898/noaa-weather/internal/config"
	"github.com/i474232898/noaa-weather/internal/logging"
	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/publish"
	"github.com/i474232898/noaa-weather/internal/scheduler"
	"github.com/i474232898/noaa-weather/internal/station"
	"github.com/i474232898/noaa-weather/internal/store"
	"github.com/i474232898/noaa-weather/internal/weather"
	"github.com/i474232898/noaa-weather/internal/weather/providers"
)

var version = "dev"

const appName = "noaa-weather"

func main() {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg, version, appName)
	slog.SetDefault(log)

	log.Info("starting",
		"version", version,
		"env", cfg.AppEnv,
		"coordinates", cfg.Coordinates().Key(),
		"refresh_interval", cfg.RefreshInterval,
	)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("run failed", "error", err)
		os.Exit(1)
	}

	log.Info("shutting down")
}

func run(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) error {
	m := metrics.New()
	stopFlusher, err := m.StartFlusher(cfg.MetricsFlushInterval, log)
	if err != nil {
		return fmt.Errorf("start metrics flusher: %w", err)
	}
	defer stopFlusher()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Shared HTTP client for upstream calls.
	client := providers.NewClient(providers.ClientConfig{
		HTTPClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		BaseURL:           cfg.NOAABaseURL,
		UserAgent:         cfg.UserAgent,
		Backoff:           providers.BackoffConfig{MaxRetries: cfg.MaxRetries, InitialInterval: time.Second},
		RequestsPerSecond: cfg.RequestsPerSecond,
		BreakerFailures:   uint32(cfg.BreakerFailures),
	}, m, log.With("component", "noaa"))

	resolver := station.NewResolver(client, cfg.CacheDir, m, log.With("component", "station"))
	st := store.NewFileStore(cfg.CacheDir, m, log.With("component", "store"))

	publisher, closePublisher := newPublisher(ctx, cfg, log.With("component", "publisher"))
	defer closePublisher()

	policy, err := scheduler.ParsePolicy(cfg.PollPolicy)
	if err != nil {
		return err
	}
	poller := scheduler.New(client, publisher, st, m, log.With("component", "poller"), scheduler.Config{
		Interval:      cfg.RefreshInterval,
		Policy:        policy,
		QuietInterval: cfg.QuietInterval,
	})

	if cfg.HTTPAddr != "" {
		app := newStatusApp(httpapi.Deps{Store: st, Stations: resolver, Metrics: m, Gatherer: reg}, poller)
		go func() {
			if err := app.Listen(cfg.HTTPAddr); err != nil {
				log.Error("status server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				log.Error("error during status server shutdown", "error", err)
			}
		}()
	}

	res, err := resolver.Resolve(ctx, cfg.Coordinates(), cfg.StationID)
	if err != nil {
		return fmt.Errorf("resolve station: %w", err)
	}
	log.Info("station resolved", "station", res.StationID, "source", res.Source)

	return poller.Run(ctx, res.StationID)
}

func newPublisher(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (weather.Publisher, func()) {
	if cfg.MQTTBroker == "" {
		log.Info("no MQTT broker configured, publishing to log")
		return publish.NewLogPublisher(log), func() {}
	}

	p := publish.NewMQTTPublisher(publish.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Topic:    cfg.MQTTTopic,
		QoS:      1,
		Retained: true,
	}, log)

	// The poller recreates the connection on the first failed publish.
	if err := p.Connect(ctx); err != nil {
		log.Warn("initial MQTT connect failed", "broker", cfg.MQTTBroker, "error", err)
	}
	return p, p.Close
}

func newStatusApp(deps httpapi.Deps, poller *scheduler.Poller) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
			"poller":  poller.State(),
		})
	})

	httpapi.RegisterRoutes(app, deps)
	return app
}
