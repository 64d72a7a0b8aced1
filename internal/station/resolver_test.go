package station

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/weather"
)

type fakeUpstream struct {
	grid     weather.GridPoint
	stations []string
	pointErr error

	pointCalls    int
	stationsCalls int
}

func (f *fakeUpstream) Point(_ context.Context, _ weather.Coordinates) (weather.GridPoint, error) {
	f.pointCalls++
	return f.grid, f.pointErr
}

func (f *fakeUpstream) GridStations(_ context.Context, _ weather.GridPoint) ([]string, error) {
	f.stationsCalls++
	return f.stations, nil
}

func (f *fakeUpstream) calls() int { return f.pointCalls + f.stationsCalls }

var (
	testCoords = weather.Coordinates{Latitude: 40.0, Longitude: -75.0}
	testNow    = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
)

func newTestResolver(t *testing.T, up Upstream) (*Resolver, string, *metrics.Collector) {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New()
	r := NewResolver(up, dir, m, nil)
	r.now = func() time.Time { return testNow }
	return r, dir, m
}

func writeCache(t *testing.T, dir string, e CacheEntry) {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheFileName), data, 0o644))
}

func readCache(t *testing.T, dir string) CacheEntry {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, CacheFileName))
	require.NoError(t, err)
	var e CacheEntry
	require.NoError(t, json.Unmarshal(data, &e))
	return e
}

func TestResolveOverrideSkipsNetworkAndCache(t *testing.T) {
	up := &fakeUpstream{}
	r, dir, _ := newTestResolver(t, up)

	res, err := r.Resolve(context.Background(), testCoords, "KMAN")
	require.NoError(t, err)
	assert.Equal(t, "KMAN", res.StationID)
	assert.Equal(t, SourceOverride, res.Source)
	assert.Zero(t, up.calls())

	_, err = os.Stat(filepath.Join(dir, CacheFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestResolveLiveSelectsFirstFilteredCandidate(t *testing.T) {
	up := &fakeUpstream{
		grid:     weather.GridPoint{GridID: "PHI", GridX: 49, GridY: 75},
		stations: []string{"kbad", "KXYZ", "TOOLONG1", "KABC", "K123"},
	}
	r, dir, _ := newTestResolver(t, up)

	res, err := r.Resolve(context.Background(), testCoords, "")
	require.NoError(t, err)
	assert.Equal(t, "KXYZ", res.StationID)
	assert.Equal(t, SourceLive, res.Source)
	assert.Equal(t, 1, up.pointCalls)
	assert.Equal(t, 1, up.stationsCalls)

	assert.Equal(t, CacheEntry{
		Latitude:  40.0,
		Longitude: -75.0,
		GridID:    "PHI",
		GridX:     49,
		GridY:     75,
		StationID: "KXYZ",
		Timestamp: testNow.UnixMilli(),
	}, readCache(t, dir))
}

func TestResolveNoCandidates(t *testing.T) {
	up := &fakeUpstream{
		grid:     weather.GridPoint{GridID: "PHI", GridX: 1, GridY: 1},
		stations: []string{"bad", "ALSO-BAD"},
	}
	r, dir, _ := newTestResolver(t, up)

	_, err := r.Resolve(context.Background(), testCoords, "")
	assert.ErrorIs(t, err, weather.ErrNoStation)

	_, statErr := os.Stat(filepath.Join(dir, CacheFileName))
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "no cache must be written on failure")
}

func TestResolveUpstreamErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	up := &fakeUpstream{pointErr: boom}
	r, _, _ := newTestResolver(t, up)

	_, err := r.Resolve(context.Background(), testCoords, "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, up.stationsCalls)
}

func TestResolveInvalidCoordinates(t *testing.T) {
	r, _, _ := newTestResolver(t, &fakeUpstream{})

	_, err := r.Resolve(context.Background(), weather.Coordinates{Latitude: 91, Longitude: 0}, "KMAN")
	var cfgErr *weather.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestResolveCacheAge(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		wantLive bool
	}{
		{"29 days is accepted", 29 * 24 * time.Hour, false},
		{"31 days triggers live resolution", 31 * 24 * time.Hour, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := &fakeUpstream{
				grid:     weather.GridPoint{GridID: "PHI", GridX: 49, GridY: 75},
				stations: []string{"KNEW"},
			}
			r, dir, _ := newTestResolver(t, up)
			writeCache(t, dir, CacheEntry{
				Latitude: 40.0, Longitude: -75.0,
				GridID: "PHI", GridX: 49, GridY: 75,
				StationID: "KOLD",
				Timestamp: testNow.Add(-tc.age).UnixMilli(),
			})

			res, err := r.Resolve(context.Background(), testCoords, "")
			require.NoError(t, err)
			if tc.wantLive {
				assert.Equal(t, "KNEW", res.StationID)
				assert.Equal(t, 2, up.calls())
				assert.Equal(t, "KNEW", readCache(t, dir).StationID)
			} else {
				assert.Equal(t, "KOLD", res.StationID)
				assert.Equal(t, SourceCache, res.Source)
				assert.Zero(t, up.calls())
			}
		})
	}
}

func TestResolveCacheForOtherCoordinatesIsIgnored(t *testing.T) {
	up := &fakeUpstream{grid: weather.GridPoint{GridID: "PHI", GridX: 1, GridY: 2}, stations: []string{"KNEW"}}
	r, dir, m := newTestResolver(t, up)
	writeCache(t, dir, CacheEntry{Latitude: 41, Longitude: -75, StationID: "KOLD", Timestamp: testNow.UnixMilli()})

	res, err := r.Resolve(context.Background(), testCoords, "")
	require.NoError(t, err)
	assert.Equal(t, "KNEW", res.StationID)
	assert.Zero(t, m.Snapshot().StationCacheResets)
}

func TestResolveCorruptCacheIsDeleted(t *testing.T) {
	for name, content := range map[string]string{
		"invalid json":   `{"latitude": 40, `,
		"missing fields": `{"latitude": 40, "longitude": -75}`,
	} {
		t.Run(name, func(t *testing.T) {
			up := &fakeUpstream{grid: weather.GridPoint{GridID: "PHI", GridX: 1, GridY: 2}, stations: []string{"KNEW"}}
			r, dir, m := newTestResolver(t, up)
			path := filepath.Join(dir, CacheFileName)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			res, err := r.Resolve(context.Background(), testCoords, "")
			require.NoError(t, err)

			assert.Equal(t, "KNEW", res.StationID)
			assert.Equal(t, uint64(1), m.Snapshot().StationCacheResets)
			assert.Equal(t, 2, up.calls())
			assert.Equal(t, "KNEW", readCache(t, dir).StationID)
		})
	}
}

func TestResolveIsMemoized(t *testing.T) {
	up := &fakeUpstream{}
	r, dir, _ := newTestResolver(t, up)
	writeCache(t, dir, CacheEntry{Latitude: 40, Longitude: -75, StationID: "KPHL", Timestamp: testNow.UnixMilli()})

	first, err := r.Resolve(context.Background(), testCoords, "")
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(dir, CacheFileName)))

	second, err := r.Resolve(context.Background(), testCoords, "")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Zero(t, up.calls())

	cur, ok := r.Current()
	assert.True(t, ok)
	assert.Equal(t, "KPHL", cur.StationID)
}

func TestResolveTwiceWithValidCacheIsIdempotent(t *testing.T) {
	up := &fakeUpstream{}
	dir := t.TempDir()
	writeCache(t, dir, CacheEntry{Latitude: 40, Longitude: -75, StationID: "KPHL", Timestamp: testNow.UnixMilli()})

	for i := 0; i < 2; i++ {
		r := NewResolver(up, dir, nil, nil)
		r.now = func() time.Time { return testNow }
		res, err := r.Resolve(context.Background(), testCoords, "")
		require.NoError(t, err)
		assert.Equal(t, "KPHL", res.StationID)
	}
	assert.Zero(t, up.calls())
}

func TestFilterStationIDs(t *testing.T) {
	assert.Equal(t,
		[]string{"KXYZ", "KABC", "K123", "ABC"},
		FilterStationIDs([]string{"KXYZ", "kabc", "KABC", "K123", "AB", "ABC", "ABCDE", "K-12"}),
	)
}
