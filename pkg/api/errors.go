package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/orket/orket/pkg/coordinator"
)

// mapStoreError translates coordinator sentinels into HTTP errors. Workers
// key their behavior off these status codes.
func mapStoreError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "card not found")
	case errors.Is(err, coordinator.ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, "lease is owned by another node")
	case errors.Is(err, coordinator.ErrLeaseHeld),
		errors.Is(err, coordinator.ErrLeaseExpired),
		errors.Is(err, coordinator.ErrNotClaimed),
		errors.Is(err, coordinator.ErrTerminal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		slog.Error("Unexpected card store error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
