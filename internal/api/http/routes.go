package httpapi

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/i474232898/noaa-weather/internal/metrics"
	"github.com/i474232898/noaa-weather/internal/station"
	"github.com/i474232898/noaa-weather/internal/store"
	"github.com/i474232898/noaa-weather/internal/weather"
)

var validate = validator.New()

// StationSource reports the resolved station, if resolution has finished.
type StationSource interface {
	Current() (station.Resolution, bool)
}

// Deps are the components the status API reads from.
type Deps struct {
	Store    weather.Store
	Stations StationSource
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	if deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := app.Group("/api/v1")

	v1.Get("/weather/current", func(c *fiber.Ctx) error {
		q, err := parseCurrentQuery(c)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		sample, err := deps.Store.LatestSample()
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no weather data published yet")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to read weather data")
		}

		lkg := deps.Store.LastKnownGood()
		if q.Units == "f" {
			sample.Temperature = toFahrenheitPtr(sample.Temperature)
			lkg.Temperature = toFahrenheit(lkg.Temperature)
		}

		return c.JSON(fiber.Map{
			"units":         q.Units,
			"sample":        sample,
			"lastKnownGood": lkg,
		})
	})

	v1.Get("/station", func(c *fiber.Ctx) error {
		res, ok := deps.Stations.Current()
		if !ok {
			return fiber.NewError(fiber.StatusNotFound, "station not resolved yet")
		}
		return c.JSON(res)
	})

	v1.Get("/metrics", func(c *fiber.Ctx) error {
		return c.JSON(deps.Metrics.Snapshot())
	})
}

// currentQuery holds query parameters for the current weather endpoint.
type currentQuery struct {
	Units string `validate:"oneof=c f"`
}

func parseCurrentQuery(c *fiber.Ctx) (currentQuery, error) {
	q := currentQuery{Units: c.Query("units", "c")}
	if err := validate.Struct(q); err != nil {
		return q, err
	}
	return q, nil
}

func toFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

func toFahrenheitPtr(c *float64) *float64 {
	if c == nil {
		return nil
	}
	f := toFahrenheit(*c)
	return &f
}
