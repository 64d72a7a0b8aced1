package publish

import (
	"context"
	"log/slog"

	"github.com/i474232898/noaa-weather/internal/weather"
)

// LogPublisher writes updates to the log. It is used when no broker is
// configured and always exists.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher writing to logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs the non-nil fields of u.
func (p *LogPublisher) Publish(_ context.Context, u weather.Update) error {
	attrs := []any{"station", u.StationID}
	if u.Temperature != nil {
		attrs = append(attrs, "temperature_c", *u.Temperature)
	}
	if u.Humidity != nil {
		attrs = append(attrs, "humidity_pct", *u.Humidity)
	}
	p.logger.Info("weather update", attrs...)
	return nil
}

func (p *LogPublisher) Exists() bool { return true }

func (p *LogPublisher) Recreate(context.Context) error { return nil }

var _ weather.Publisher = (*LogPublisher)(nil)
