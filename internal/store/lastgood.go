package store

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/i474232898/noaa-weather/internal/common"
	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/weather"
)

// LastKnownGoodFileName is the last-known-good file name inside the cache directory.
const LastKnownGoodFileName = "noaa-weather-last.json"

var (
	// ErrNotFound is returned when no sample has been published yet.
	ErrNotFound = errors.New("no weather sample published yet")
)

// FileStore keeps the last-known-good reading on disk and the most recent
// published sample in memory. It is safe for concurrent use.
type FileStore struct {
	mu sync.RWMutex

	path    string
	reading weather.Reading
	latest  *weather.Sample

	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewFileStore loads the last-known-good reading from dir, seeding it with
// weather.DefaultReading when the file is absent or unreadable. A corrupted
// file is deleted.
func NewFileStore(dir string, m *metrics.Collector, logger *slog.Logger) *FileStore {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &FileStore{
		path:    filepath.Join(dir, LastKnownGoodFileName),
		reading: weather.DefaultReading,
		metrics: m,
		logger:  logger,
	}
	s.load()
	return s
}

func (s *FileStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to read weather cache", "path", s.path, "error", err)
		}
		return
	}

	var raw struct {
		Temperature *float64 `json:"temperature"`
		Humidity    *float64 `json:"humidity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || raw.Temperature == nil || raw.Humidity == nil {
		s.metrics.WeatherCacheReset()
		s.logger.Warn("corrupted weather cache detected, resetting", "path", s.path)
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to delete weather cache", "path", s.path, "error", rmErr)
		}
		return
	}

	s.reading = weather.Reading{Temperature: *raw.Temperature, Humidity: *raw.Humidity}
}

// LastKnownGood returns the current last-known-good reading.
func (s *FileStore) LastKnownGood() weather.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reading
}

// Commit merges the non-nil fields of u into the last-known-good reading
// and persists it. The in-memory reading is updated even when the write
// fails.
func (s *FileStore) Commit(u weather.Update) (weather.Reading, error) {
	s.mu.Lock()
	s.reading = s.reading.Merge(u)
	r := s.reading
	s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return r, err
	}
	if err := common.WriteFileAtomic(s.path, data); err != nil {
		return r, err
	}
	return r, nil
}

// SaveSample records the most recent published sample.
func (s *FileStore) SaveSample(sample weather.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &sample
}

// LatestSample returns the most recent published sample.
func (s *FileStore) LatestSample() (weather.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return weather.Sample{}, ErrNotFound
	}
	return *s.latest, nil
}

var _ weather.Store = (*FileStore)(nil)
