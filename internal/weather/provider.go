package weather

import (
	"context"
)

// ObservationSource returns the latest observation for a station.
type ObservationSource interface {
	LatestObservation(ctx context.Context, stationID string) (Sample, error)
}

// Publisher is the downstream sink for readings (an MQTT topic, a
// HomeKit-like accessory, a log line).
type Publisher interface {
	Publish(ctx context.Context, u Update) error
	// Exists reports whether the sink is still usable.
	Exists() bool
	// Recreate rebuilds a sink that no longer exists.
	Recreate(ctx context.Context) error
}

// Store keeps the last-known-good reading and the most recent sample.
type Store interface {
	LastKnownGood() Reading
	Commit(u Update) (Reading, error)
	SaveSample(s Sample)
	LatestSample() (Sample, error)
}
