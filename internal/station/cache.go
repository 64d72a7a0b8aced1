package station

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/i474232898/noaa-weather/internal/common"
	"github.com/i474232898/noaa-weather/internal/weather"
)

// CacheFileName is the station cache file name inside the cache directory.
const CacheFileName = "noaa-points-cache.json"

// MaxCacheAge is how long a resolved station is trusted.
const MaxCacheAge = 30 * 24 * time.Hour

var errCorruptCache = errors.New("corrupted station cache")

// CacheEntry is the persisted result of a live resolution. Timestamp is
// Unix milliseconds.
type CacheEntry struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	GridID    string  `json:"gridId"`
	GridX     int     `json:"gridX"`
	GridY     int     `json:"gridY"`
	StationID string  `json:"stationId"`
	Timestamp int64   `json:"timestamp"`
}

// Grid returns the grid point recorded with the entry.
func (e CacheEntry) Grid() weather.GridPoint {
	return weather.GridPoint{GridID: e.GridID, GridX: e.GridX, GridY: e.GridY}
}

// ValidFor reports whether the entry may be used for coords at now.
func (e CacheEntry) ValidFor(coords weather.Coordinates, now time.Time) bool {
	if e.Latitude != coords.Latitude || e.Longitude != coords.Longitude {
		return false
	}
	if e.StationID == "" {
		return false
	}
	age := now.Sub(time.UnixMilli(e.Timestamp))
	return age < MaxCacheAge
}

// rawEntry detects missing required fields.
type rawEntry struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	GridID    string   `json:"gridId"`
	GridX     int      `json:"gridX"`
	GridY     int      `json:"gridY"`
	StationID *string  `json:"stationId"`
	Timestamp *int64   `json:"timestamp"`
}

// Cache is the single-file station resolution cache.
type Cache struct {
	path string
}

// NewCache returns a cache stored as CacheFileName inside dir.
func NewCache(dir string) *Cache {
	return &Cache{path: filepath.Join(dir, CacheFileName)}
}

// Path returns the cache file location.
func (c *Cache) Path() string {
	return c.path
}

// Load reads the cache entry. It returns os.ErrNotExist when there is no
// file and errCorruptCache when the file cannot be trusted.
func (c *Cache) Load() (CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return CacheEntry{}, err
	}

	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return CacheEntry{}, fmt.Errorf("%w: %v", errCorruptCache, err)
	}
	if raw.Latitude == nil || raw.Longitude == nil || raw.StationID == nil || raw.Timestamp == nil {
		return CacheEntry{}, fmt.Errorf("%w: missing required fields", errCorruptCache)
	}

	return CacheEntry{
		Latitude:  *raw.Latitude,
		Longitude: *raw.Longitude,
		GridID:    raw.GridID,
		GridX:     raw.GridX,
		GridY:     raw.GridY,
		StationID: *raw.StationID,
		Timestamp: *raw.Timestamp,
	}, nil
}

// Save replaces the cache file with e.
func (c *Cache) Save(e CacheEntry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(c.path, data)
}

// Remove deletes the cache file. A missing file is not an error.
func (c *Cache) Remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
