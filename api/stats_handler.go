package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Mudityadev/charles-map/dispatch/broker"
)

// StatsResponse reports record counts per queue.
type StatsResponse struct {
	Queues map[string]broker.Stats `json:"queues"`
}

func (a *API) stats(c echo.Context) error {
	st, err := a.eng.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatsResponse{Queues: st})
}

func (a *API) health(c echo.Context) error {
	if err := a.eng.Ping(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "broker unavailable")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
