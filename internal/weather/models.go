package weather

import (
	"fmt"
	"math"
	"strconv"
)

// Coordinates is the fixed point we poll weather for.
// Zero is a valid value for both fields.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate reports a ConfigError when the coordinates are not usable.
func (c Coordinates) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) || c.Latitude < -90 || c.Latitude > 90 {
		return &ConfigError{Field: "latitude", Reason: fmt.Sprintf("must be a number in [-90, 90], got %v", c.Latitude)}
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || c.Longitude < -180 || c.Longitude > 180 {
		return &ConfigError{Field: "longitude", Reason: fmt.Sprintf("must be a number in [-180, 180], got %v", c.Longitude)}
	}
	return nil
}

// Key returns the canonical "lat,lon" form used in upstream URLs and logs.
func (c Coordinates) Key() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// GridPoint is the upstream forecast grid cell a coordinate maps to.
type GridPoint struct {
	GridID string `json:"gridId"`
	GridX  int    `json:"gridX"`
	GridY  int    `json:"gridY"`
}

func (g GridPoint) String() string {
	return fmt.Sprintf("%s/%d,%d", g.GridID, g.GridX, g.GridY)
}

// Sample is one parsed observation. Nil temperature or humidity means the
// station reported no value for that field.
type Sample struct {
	StationID     string   `json:"stationId"`
	Timestamp     string   `json:"timestamp"`
	Temperature   *float64 `json:"temperatureC"`
	Humidity      *float64 `json:"humidityPercent"`
	TemperatureQC string   `json:"temperatureQc"`
	HumidityQC    string   `json:"humidityQc"`
	Elevation     float64  `json:"elevationM"`
	Conditions    string   `json:"conditions"`
}

// Empty reports whether neither temperature nor humidity is present.
func (s Sample) Empty() bool {
	return s.Temperature == nil && s.Humidity == nil
}

// Update returns the non-null subset of the sample for publishing.
func (s Sample) Update() Update {
	return Update{
		StationID:   s.StationID,
		Timestamp:   s.Timestamp,
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
	}
}

// Update is what gets handed to a Publisher. Only non-nil fields are pushed.
type Update struct {
	StationID   string
	Timestamp   string
	Temperature *float64
	Humidity    *float64
}

// Reading is the last-known-good value shown downstream.
type Reading struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// DefaultReading seeds the last-known-good value on first start.
var DefaultReading = Reading{Temperature: 20, Humidity: 50}

// Merge overwrites only the fields present in u.
func (r Reading) Merge(u Update) Reading {
	if u.Temperature != nil {
		r.Temperature = *u.Temperature
	}
	if u.Humidity != nil {
		r.Humidity = *u.Humidity
	}
	return r
}

// Update converts a full reading into an update with both fields set.
func (r Reading) Update() Update {
	t, h := r.Temperature, r.Humidity
	return Update{Temperature: &t, Humidity: &h}
}
