package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/atomic"

	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/weather"
)

// State of a Poller.
type State string

const (
	StateIdle    State = "idle"
	StatePolling State = "polling"
	StateStopped State = "stopped"
)

const defaultInterval = 5 * time.Minute

// Config controls poll timing.
type Config struct {
	Interval time.Duration
	Policy   Policy
	// QuietInterval, when positive, is used instead of Interval while the
	// temperature is flat.
	QuietInterval time.Duration
}

// Poller periodically fetches the latest observation for a station and
// publishes it, keeping the last-known-good reading up to date.
type Poller struct {
	source    weather.ObservationSource
	publisher weather.Publisher
	store     weather.Store
	metrics   *metrics.Collector
	logger    *slog.Logger

	policy   Policy
	interval *adaptiveInterval
	state    atomic.String

	now  func() time.Time
	wait func(ctx context.Context, d time.Duration) error
}

// New creates a Poller.
func New(source weather.ObservationSource, publisher weather.Publisher, store weather.Store, m *metrics.Collector, logger *slog.Logger, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Policy == "" {
		cfg.Policy = FixedRate
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{
		source:    source,
		publisher: publisher,
		store:     store,
		metrics:   m,
		logger:    logger,
		policy:    cfg.Policy,
		interval:  &adaptiveInterval{base: cfg.Interval, quiet: cfg.QuietInterval},
		now:       time.Now,
		wait:      waitContext,
	}
	p.state.Store(string(StateIdle))
	return p
}

// State returns the current lifecycle state.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Run polls stationID until ctx is cancelled. The first cycle runs
// immediately. Run always returns ctx.Err().
func (p *Poller) Run(ctx context.Context, stationID string) error {
	defer p.state.Store(string(StateStopped))

	p.prime(ctx, stationID)

	for {
		p.state.Store(string(StatePolling))

		start := p.now()
		p.RunCycle(ctx, stationID)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := nextDelay(p.policy, p.interval.current(), start, p.now())
		p.logger.Debug("next weather update scheduled", "in", delay)
		if err := p.wait(ctx, delay); err != nil {
			return err
		}
	}
}

// prime pushes the persisted last-known-good reading so the sink shows a
// value before the first fetch completes.
func (p *Poller) prime(ctx context.Context, stationID string) {
	r := p.store.LastKnownGood()
	u := r.Update()
	u.StationID = stationID
	if err := p.publish(ctx, u); err == nil {
		p.logger.Info("initialized sink with cached weather", "temperature_c", r.Temperature, "humidity_pct", r.Humidity)
	}
}

// RunCycle performs one fetch, parse, publish and persist pass. Failures
// are logged and counted, never returned.
func (p *Poller) RunCycle(ctx context.Context, stationID string) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.APIFailure()
			p.logger.Error("weather update panicked", "station", stationID, "panic", r)
		}
	}()

	p.logger.Info("starting weather update", "station", stationID)

	sample, err := p.source.LatestObservation(ctx, stationID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.APIFailure()
		p.logger.Error("failed to fetch weather data", "station", stationID, "error", err)
		return
	}

	p.logger.Info("weather data",
		"station", stationID,
		"timestamp", sample.Timestamp,
		"temperature_c", optional(sample.Temperature),
		"temperature_qc", sample.TemperatureQC,
		"humidity_pct", optional(sample.Humidity),
		"humidity_qc", sample.HumidityQC,
		"elevation_m", sample.Elevation,
		"conditions", sample.Conditions,
	)

	if sample.Empty() {
		p.logger.Warn("station returned no temperature or humidity, keeping last known values", "station", stationID)
		return
	}

	u := sample.Update()
	if err := p.publish(ctx, u); err != nil {
		return
	}

	if _, err := p.store.Commit(u); err != nil {
		p.metrics.CacheWriteError()
		p.logger.Warn("failed to write last weather cache", "error", err)
	}
	p.store.SaveSample(sample)
	p.interval.observe(sample.Temperature)
}

// publish pushes u, attempting one recovery when the first push fails.
func (p *Poller) publish(ctx context.Context, u weather.Update) error {
	err := p.publisher.Publish(ctx, u)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	p.logger.Warn("publish failed, attempting recovery", "error", err)

	if !p.publisher.Exists() {
		if err := p.publisher.Recreate(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			p.metrics.PublishFailure()
			p.logger.Error("failed to recreate sink", "error", err)
			return err
		}
	}

	if err := p.publisher.Publish(ctx, u); err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.metrics.PublishFailure()
		p.logger.Error("publish failed after recovery", "error", err)
		return err
	}

	p.metrics.PublishRecovery()
	p.logger.Info("recovered sink and published update")
	return nil
}

func optional(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func waitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
