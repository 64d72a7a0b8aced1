package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/store"
	"github.com/i474232898/noaa-weather/internal/weather"
)

type result struct {
	sample weather.Sample
	err    error
}

type fakeSource struct {
	results []result
	calls   int
	panics  bool
}

func (f *fakeSource) LatestObservation(_ context.Context, stationID string) (weather.Sample, error) {
	if f.panics {
		panic("unexpected payload")
	}
	r := f.results[f.calls%len(f.results)]
	f.calls++
	r.sample.StationID = stationID
	return r.sample, r.err
}

type fakePublisher struct {
	failures     int
	exists       bool
	recreateErr  error
	published    []weather.Update
	publishCalls int
	recreates    int
}

func (f *fakePublisher) Publish(_ context.Context, u weather.Update) error {
	f.publishCalls++
	if f.failures > 0 {
		f.failures--
		return errors.New("sink rejected update")
	}
	f.published = append(f.published, u)
	return nil
}

func (f *fakePublisher) Exists() bool { return f.exists }

func (f *fakePublisher) Recreate(context.Context) error {
	f.recreates++
	if f.recreateErr != nil {
		return f.recreateErr
	}
	f.exists = true
	return nil
}

func ptr(v float64) *float64 { return &v }

func newTestPoller(t *testing.T, src weather.ObservationSource, pub weather.Publisher) (*Poller, *store.FileStore, *metrics.Collector) {
	t.Helper()
	m := metrics.New()
	st := store.NewFileStore(t.TempDir(), m, nil)
	return New(src, pub, st, m, nil, Config{Interval: time.Minute}), st, m
}

func TestCycleWithNullTemperaturePublishesOnlyHumidity(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{Humidity: ptr(55)}}}}
	pub := &fakePublisher{exists: true}
	p, st, _ := newTestPoller(t, src, pub)

	_, err := st.Commit(weather.Update{Temperature: ptr(18), Humidity: ptr(40)})
	require.NoError(t, err)

	p.RunCycle(context.Background(), "KPHL")

	require.Len(t, pub.published, 1)
	assert.Nil(t, pub.published[0].Temperature)
	require.NotNil(t, pub.published[0].Humidity)
	assert.Equal(t, 55.0, *pub.published[0].Humidity)
	assert.Equal(t, "KPHL", pub.published[0].StationID)

	assert.Equal(t, weather.Reading{Temperature: 18, Humidity: 55}, st.LastKnownGood())

	latest, err := st.LatestSample()
	require.NoError(t, err)
	assert.Equal(t, "KPHL", latest.StationID)
}

func TestCycleWithNoValuesSkipsPublishing(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{}}}}
	pub := &fakePublisher{exists: true}
	p, st, m := newTestPoller(t, src, pub)

	p.RunCycle(context.Background(), "KPHL")

	assert.Zero(t, pub.publishCalls)
	assert.Equal(t, weather.DefaultReading, st.LastKnownGood())
	assert.Zero(t, m.Snapshot().APIFailures)
}

func TestCycleFetchFailureIsCounted(t *testing.T) {
	src := &fakeSource{results: []result{{err: errors.New("exhausted retries")}}}
	pub := &fakePublisher{exists: true}
	p, _, m := newTestPoller(t, src, pub)

	p.RunCycle(context.Background(), "KPHL")

	assert.Zero(t, pub.publishCalls)
	assert.Equal(t, uint64(1), m.Snapshot().APIFailures)
}

func TestCyclePanicIsRecovered(t *testing.T) {
	p, _, m := newTestPoller(t, &fakeSource{panics: true}, &fakePublisher{exists: true})

	assert.NotPanics(t, func() { p.RunCycle(context.Background(), "KPHL") })
	assert.Equal(t, uint64(1), m.Snapshot().APIFailures)
}

func TestPublishRecoveryRecreatesMissingSinkOnce(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{Temperature: ptr(21), Humidity: ptr(60)}}}}
	pub := &fakePublisher{failures: 1, exists: false}
	p, st, m := newTestPoller(t, src, pub)

	p.RunCycle(context.Background(), "KPHL")

	assert.Equal(t, 1, pub.recreates)
	assert.Equal(t, 2, pub.publishCalls)
	assert.Len(t, pub.published, 1)
	assert.Equal(t, uint64(1), m.Snapshot().PublishRecoveries)
	assert.Zero(t, m.Snapshot().PublishFailures)
	assert.Equal(t, weather.Reading{Temperature: 21, Humidity: 60}, st.LastKnownGood())
}

func TestPublishRecoveryFailureKeepsLastKnownGood(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{Temperature: ptr(21), Humidity: ptr(60)}}}}
	pub := &fakePublisher{failures: 1, exists: false, recreateErr: errors.New("registry unavailable")}
	p, st, m := newTestPoller(t, src, pub)

	p.RunCycle(context.Background(), "KPHL")

	assert.Equal(t, 1, pub.recreates)
	assert.Equal(t, 1, pub.publishCalls)
	assert.Equal(t, uint64(1), m.Snapshot().PublishFailures)
	assert.Equal(t, weather.DefaultReading, st.LastKnownGood())

	_, err := st.LatestSample()
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPublishRetryFailureOnExistingSink(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{Temperature: ptr(21)}}}}
	pub := &fakePublisher{failures: 2, exists: true}
	p, _, m := newTestPoller(t, src, pub)

	p.RunCycle(context.Background(), "KPHL")

	assert.Zero(t, pub.recreates)
	assert.Equal(t, 2, pub.publishCalls)
	assert.Equal(t, uint64(1), m.Snapshot().PublishFailures)
}

// cancellingPublisher simulates shutdown arriving while a publish is in flight.
type cancellingPublisher struct {
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingPublisher) Publish(ctx context.Context, _ weather.Update) error {
	c.calls++
	c.cancel()
	return ctx.Err()
}

func (c *cancellingPublisher) Exists() bool                   { return false }
func (c *cancellingPublisher) Recreate(context.Context) error { return nil }

func TestPublishCancelledByShutdownIsNotCounted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{results: []result{{sample: weather.Sample{Temperature: ptr(21)}}}}
	pub := &cancellingPublisher{cancel: cancel}
	p, st, m := newTestPoller(t, src, pub)

	p.RunCycle(ctx, "KPHL")

	assert.Equal(t, 1, pub.calls)
	s := m.Snapshot()
	assert.Zero(t, s.PublishFailures)
	assert.Zero(t, s.PublishRecoveries)
	assert.Zero(t, s.APIFailures)
	assert.Equal(t, weather.DefaultReading, st.LastKnownGood())
}

func TestCacheWriteFailureIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	m := metrics.New()
	st := store.NewFileStore(blocker, m, nil)
	src := &fakeSource{results: []result{{sample: weather.Sample{Temperature: ptr(5), Humidity: ptr(90)}}}}
	pub := &fakePublisher{exists: true}
	p := New(src, pub, st, m, nil, Config{Interval: time.Minute})

	p.RunCycle(context.Background(), "KPHL")

	assert.Equal(t, uint64(1), m.Snapshot().CacheWriteErrors)
	assert.Equal(t, weather.Reading{Temperature: 5, Humidity: 90}, st.LastKnownGood())
}

func TestRunPrimesSinkAndPollsImmediately(t *testing.T) {
	src := &fakeSource{results: []result{
		{sample: weather.Sample{Temperature: ptr(10), Humidity: ptr(50)}},
		{err: errors.New("upstream down")},
	}}
	pub := &fakePublisher{exists: true}
	p, _, m := newTestPoller(t, src, pub)

	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var waits []time.Duration
	p.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	assert.Equal(t, StateIdle, p.State())
	err := p.Run(ctx, "KPHL")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, p.State())

	assert.Equal(t, 3, src.calls)
	assert.Equal(t, []time.Duration{50 * time.Second, 50 * time.Second, 50 * time.Second}, waits)
	assert.Equal(t, uint64(1), m.Snapshot().APIFailures)

	require.Len(t, pub.published, 3, "prime plus two successful cycles")
	assert.Equal(t, 20.0, *pub.published[0].Temperature)
	assert.Equal(t, 10.0, *pub.published[1].Temperature)
}

func TestRunFixedDelayPolicy(t *testing.T) {
	src := &fakeSource{results: []result{{sample: weather.Sample{}}}}
	m := metrics.New()
	st := store.NewFileStore(t.TempDir(), m, nil)
	p := New(src, &fakePublisher{exists: true}, st, m, nil, Config{Interval: time.Minute, Policy: FixedDelay})

	clock := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time {
		clock = clock.Add(10 * time.Second)
		return clock
	}

	ctx, cancel := context.WithCancel(context.Background())
	var waits []time.Duration
	p.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		cancel()
		return ctx.Err()
	}

	_ = p.Run(ctx, "KPHL")
	assert.Equal(t, []time.Duration{time.Minute}, waits)
}
