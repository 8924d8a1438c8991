package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/storage"
	"github.com/vanillabrand/fandom/pkg/logger"
)

// errorResponse maps coordinator errors onto HTTP statuses. Anything
// unexpected is logged and reported as a 500 without details.
func errorResponse(c echo.Context, err error) error {
	switch {
	case errors.Is(err, coordinator.ErrJobNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	case errors.Is(err, coordinator.ErrUnknownSubtask):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Unknown subtask"})
	case errors.Is(err, coordinator.ErrJobClosed):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Job is closed"})
	case errors.Is(err, coordinator.ErrSubtaskClosed):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Subtask is closed"})
	case errors.Is(err, coordinator.ErrNotDispatched):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Subtask is not dispatched yet"})
	case errors.Is(err, storage.ErrArtifactNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Result not available"})
	}
	logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
