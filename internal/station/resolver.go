package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/weather"
)

var stationIDPattern = regexp.MustCompile(`^[A-Z0-9]{3,4}$`)

// Upstream is the part of the NOAA client the resolver needs.
type Upstream interface {
	Point(ctx context.Context, coords weather.Coordinates) (weather.GridPoint, error)
	GridStations(ctx context.Context, g weather.GridPoint) ([]string, error)
}

// Source says where a resolved station id came from.
type Source string

const (
	SourceOverride Source = "override"
	SourceCache    Source = "cache"
	SourceLive     Source = "live"
)

// Resolution is the outcome of resolving a coordinate to a station.
type Resolution struct {
	StationID string             `json:"stationId"`
	Grid      *weather.GridPoint `json:"grid,omitempty"`
	Source    Source             `json:"source"`
}

// Resolver maps the configured coordinate to an observation station id.
// A Resolver resolves once; later calls return the memoized result.
type Resolver struct {
	upstream Upstream
	cache    *Cache
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	resolved *Resolution
}

func NewResolver(upstream Upstream, cacheDir string, m *metrics.Collector, logger *slog.Logger) *Resolver {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		upstream: upstream,
		cache:    NewCache(cacheDir),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve returns the station for coords. A non-empty override wins without
// any network or cache I/O; then a valid cache entry; then a live lookup
// whose result is written to the cache.
func (r *Resolver) Resolve(ctx context.Context, coords weather.Coordinates, override string) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != nil {
		return *r.resolved, nil
	}

	if err := coords.Validate(); err != nil {
		return Resolution{}, err
	}

	res, err := r.resolve(ctx, coords, strings.TrimSpace(override))
	if err != nil {
		return Resolution{}, err
	}
	r.resolved = &res
	return res, nil
}

// Current returns the memoized resolution, if any.
func (r *Resolver) Current() (Resolution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == nil {
		return Resolution{}, false
	}
	return *r.resolved, true
}

func (r *Resolver) resolve(ctx context.Context, coords weather.Coordinates, override string) (Resolution, error) {
	if override != "" {
		r.logger.Info("using manually configured station", "station", override)
		return Resolution{StationID: override, Source: SourceOverride}, nil
	}

	if res, ok := r.fromCache(coords); ok {
		return res, nil
	}

	return r.live(ctx, coords)
}

func (r *Resolver) fromCache(coords weather.Coordinates) (Resolution, bool) {
	entry, err := r.cache.Load()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return Resolution{}, false
	case errors.Is(err, errCorruptCache):
		r.metrics.StationCacheReset()
		r.logger.Warn("corrupted station cache detected, rebuilding", "path", r.cache.Path(), "error", err)
		if rmErr := r.cache.Remove(); rmErr != nil {
			r.logger.Warn("failed to delete station cache", "path", r.cache.Path(), "error", rmErr)
		}
		return Resolution{}, false
	default:
		r.logger.Warn("failed to read station cache", "path", r.cache.Path(), "error", err)
		return Resolution{}, false
	}

	if !entry.ValidFor(coords, r.now()) {
		r.logger.Info("station cache is stale or for other coordinates, resolving live",
			"cached_station", entry.StationID,
			"cached_at", time.UnixMilli(entry.Timestamp).UTC(),
		)
		return Resolution{}, false
	}

	res := Resolution{StationID: entry.StationID, Source: SourceCache}
	if entry.GridID != "" {
		g := entry.Grid()
		res.Grid = &g
	}
	r.logger.Info("using cached station", "station", entry.StationID, "grid", entry.Grid().String())
	return res, true
}

func (r *Resolver) live(ctx context.Context, coords weather.Coordinates) (Resolution, error) {
	r.logger.Info("fetching grid data", "coordinates", coords.Key())

	grid, err := r.upstream.Point(ctx, coords)
	if err != nil {
		return Resolution{}, fmt.Errorf("grid lookup for %s: %w", coords.Key(), err)
	}
	r.logger.Info("grid location", "grid", grid.String())

	ids, err := r.upstream.GridStations(ctx, grid)
	if err != nil {
		return Resolution{}, fmt.Errorf("station list for grid %s: %w", grid, err)
	}

	candidates := FilterStationIDs(ids)
	if len(candidates) == 0 {
		return Resolution{}, fmt.Errorf("grid %s: %w", grid, weather.ErrNoStation)
	}

	// Upstream already orders stations by representativeness.
	stationID := candidates[0]

	shown := candidates
	if len(shown) > 10 {
		shown = shown[:10]
	}
	r.logger.Info("station candidates", "candidates", strings.Join(shown, ", "))
	r.logger.Info("selected station", "station", stationID, "grid", grid.String())

	entry := CacheEntry{
		Latitude:  coords.Latitude,
		Longitude: coords.Longitude,
		GridID:    grid.GridID,
		GridX:     grid.GridX,
		GridY:     grid.GridY,
		StationID: stationID,
		Timestamp: r.now().UnixMilli(),
	}
	if err := r.cache.Save(entry); err != nil {
		r.metrics.CacheWriteError()
		r.logger.Warn("failed to write station cache", "path", r.cache.Path(), "error", err)
	}

	return Resolution{StationID: stationID, Grid: &grid, Source: SourceLive}, nil
}

// FilterStationIDs keeps identifiers of the canonical 3-4 character
// uppercase alphanumeric shape, preserving order.
func FilterStationIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if stationIDPattern.MatchString(id) {
			out = append(out, id)
		}
	}
	return out
}
