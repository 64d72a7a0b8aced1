package providers

import (
	"context"
	"fmt"
	"net/url"

	"github.com/i474232898/noaa-weather/internal/common"
	"github.com/i474232898/noaa-weather/internal/weather"
)

// DefaultBaseURL is the public NOAA/NWS API root.
const DefaultBaseURL = "https://api.weather.gov"

type pointResponse struct {
	Properties struct {
		GridID string `json:"gridId"`
		GridX  *int   `json:"gridX"`
		GridY  *int   `json:"gridY"`
	} `json:"properties"`
}

type gridpointStationsResponse struct {
	Features []struct {
		Properties struct {
			StationIdentifier string `json:"stationIdentifier"`
		} `json:"properties"`
	} `json:"features"`
}

type quantity struct {
	Value          *float64 `json:"value"`
	QualityControl string   `json:"qualityControl"`
}

type observationResponse struct {
	Properties struct {
		Timestamp        string    `json:"timestamp"`
		Temperature      *quantity `json:"temperature"`
		RelativeHumidity *quantity `json:"relativeHumidity"`
		Elevation        *quantity `json:"elevation"`
		PresentWeather   []struct {
			Weather string `json:"weather"`
		} `json:"presentWeather"`
	} `json:"properties"`
}

// Point maps a coordinate to its forecast grid cell.
func (c *Client) Point(ctx context.Context, coords weather.Coordinates) (weather.GridPoint, error) {
	u := fmt.Sprintf("%s/points/%s", c.baseURL, coords.Key())

	payload, err := Fetch[pointResponse](ctx, c, u)
	if err != nil {
		return weather.GridPoint{}, err
	}

	p := payload.Properties
	if p.GridID == "" || p.GridX == nil || p.GridY == nil {
		return weather.GridPoint{}, fmt.Errorf("grid lookup for %s returned incomplete grid data", coords.Key())
	}
	return weather.GridPoint{GridID: p.GridID, GridX: *p.GridX, GridY: *p.GridY}, nil
}

// GridStations lists the observation stations for a grid cell in the order
// the upstream returns them.
func (c *Client) GridStations(ctx context.Context, g weather.GridPoint) ([]string, error) {
	u := fmt.Sprintf("%s/gridpoints/%s/%d,%d/stations", c.baseURL, url.PathEscape(g.GridID), g.GridX, g.GridY)

	payload, err := Fetch[gridpointStationsResponse](ctx, c, u)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(payload.Features))
	for _, f := range payload.Features {
		ids = append(ids, f.Properties.StationIdentifier)
	}
	return ids, nil
}

// LatestObservation fetches the most recent quality-controlled observation
// for a station.
func (c *Client) LatestObservation(ctx context.Context, stationID string) (weather.Sample, error) {
	u := fmt.Sprintf("%s/stations/%s/observations/latest?require_qc=true", c.baseURL, url.PathEscape(stationID))

	payload, err := Fetch[observationResponse](ctx, c, u)
	if err != nil {
		return weather.Sample{}, err
	}
	return parseObservation(stationID, payload), nil
}

func parseObservation(stationID string, payload observationResponse) weather.Sample {
	p := payload.Properties

	s := weather.Sample{
		StationID:     stationID,
		Timestamp:     p.Timestamp,
		TemperatureQC: "unknown",
		HumidityQC:    "unknown",
	}

	if p.Temperature != nil {
		s.Temperature = p.Temperature.Value
		if p.Temperature.QualityControl != "" {
			s.TemperatureQC = p.Temperature.QualityControl
		}
	}
	if p.RelativeHumidity != nil {
		s.Humidity = p.RelativeHumidity.Value
		if p.RelativeHumidity.QualityControl != "" {
			s.HumidityQC = p.RelativeHumidity.QualityControl
		}
	}
	if p.Elevation != nil && p.Elevation.Value != nil {
		s.Elevation = *p.Elevation.Value
	}

	phenomena := make([]string, 0, len(p.PresentWeather))
	for _, w := range p.PresentWeather {
		phenomena = append(phenomena, w.Weather)
	}
	s.Conditions = common.JoinOrNone(phenomena, ", ")

	return s
}

var _ weather.ObservationSource = (*Client)(nil)
