package weather

import (
	"errors"
	"fmt"
)

// ErrNoStation is returned when a grid cell has no usable observation station.
var ErrNoStation = errors.New("no valid station found for grid cell")

// ConfigError describes a missing or invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}
