package metrics

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Collector holds process-lifetime counters. A single Collector is created
// at startup and passed to every component that records events.
type Collector struct {
	apiFailures        atomic.Uint64
	retryCount         atomic.Uint64
	rateLimitedCount   atomic.Uint64
	stationCacheResets atomic.Uint64
	publishFailures    atomic.Uint64
	publishRecoveries  atomic.Uint64
	cacheWriteErrors   atomic.Uint64
	weatherCacheResets atomic.Uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	APIFailures        uint64 `json:"apiFailures"`
	RetryCount         uint64 `json:"retryCount"`
	RateLimitedCount   uint64 `json:"rateLimitedCount"`
	StationCacheResets uint64 `json:"stationCacheResets"`
	PublishFailures    uint64 `json:"publishFailures"`
	PublishRecoveries  uint64 `json:"publishRecoveries"`
	CacheWriteErrors   uint64 `json:"cacheWriteErrors"`
	WeatherCacheResets uint64 `json:"weatherCacheResets"`
}

func New() *Collector {
	return &Collector{}
}

func (c *Collector) APIFailure()        { c.apiFailures.Inc() }
func (c *Collector) Retry()             { c.retryCount.Inc() }
func (c *Collector) RateLimited()       { c.rateLimitedCount.Inc() }
func (c *Collector) StationCacheReset() { c.stationCacheResets.Inc() }
func (c *Collector) PublishFailure()    { c.publishFailures.Inc() }
func (c *Collector) PublishRecovery()   { c.publishRecoveries.Inc() }
func (c *Collector) CacheWriteError()   { c.cacheWriteErrors.Inc() }
func (c *Collector) WeatherCacheReset() { c.weatherCacheResets.Inc() }

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		APIFailures:        c.apiFailures.Load(),
		RetryCount:         c.retryCount.Load(),
		RateLimitedCount:   c.rateLimitedCount.Load(),
		StationCacheResets: c.stationCacheResets.Load(),
		PublishFailures:    c.publishFailures.Load(),
		PublishRecoveries:  c.publishRecoveries.Load(),
		CacheWriteErrors:   c.cacheWriteErrors.Load(),
		WeatherCacheResets: c.weatherCacheResets.Load(),
	}
}

// Flush writes the current counters to the log.
func (c *Collector) Flush(logger *slog.Logger) {
	s := c.Snapshot()
	logger.Info("noaa metrics",
		"api_failures", s.APIFailures,
		"retry_count", s.RetryCount,
		"rate_limited", s.RateLimitedCount,
		"station_cache_resets", s.StationCacheResets,
		"publish_failures", s.PublishFailures,
		"publish_recoveries", s.PublishRecoveries,
		"cache_write_errors", s.CacheWriteErrors,
		"weather_cache_resets", s.WeatherCacheResets,
	)
}

// StartFlusher flushes the counters every interval until the returned stop
// function is called. Stop performs one final flush.
func (c *Collector) StartFlusher(interval time.Duration, logger *slog.Logger) (stop func(), err error) {
	if interval <= 0 {
		interval = time.Hour
	}

	s := gocron.NewScheduler(time.UTC)
	if _, err := s.Every(interval).WaitForSchedule().Do(func() {
		c.Flush(logger)
	}); err != nil {
		return nil, err
	}
	s.StartAsync()

	return func() {
		s.Stop()
		c.Flush(logger)
	}, nil
}

// Register exposes the counters on a Prometheus registerer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		load func() uint64
	}{
		{"noaa_api_failures_total", "Poll cycles whose upstream fetch failed.", c.apiFailures.Load},
		{"noaa_retries_total", "Retried upstream requests.", c.retryCount.Load},
		{"noaa_rate_limited_total", "Upstream responses with status 429.", c.rateLimitedCount.Load},
		{"noaa_station_cache_resets_total", "Corrupted station cache files deleted.", c.stationCacheResets.Load},
		{"noaa_publish_failures_total", "Readings that could not be published.", c.publishFailures.Load},
		{"noaa_publish_recoveries_total", "Publishes that succeeded after sink recovery.", c.publishRecoveries.Load},
		{"noaa_cache_write_errors_total", "Failed writes of persisted state.", c.cacheWriteErrors.Load},
		{"noaa_weather_cache_resets_total", "Corrupted last-known-good files deleted.", c.weatherCacheResets.Load},
	}

	for _, ct := range counters {
		load := ct.load
		cf := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: ct.name,
			Help: ct.help,
		}, func() float64 { return float64(load()) })
		if err := reg.Register(cf); err != nil {
			return err
		}
	}
	return nil
}
