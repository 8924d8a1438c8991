package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/server/middleware"
	"github.com/vanillabrand/fandom/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Job routes
	apiRoutes.POST("/jobs", routes.CreateJobHandler)
	apiRoutes.GET("/jobs/:id", routes.GetJobHandler)
	apiRoutes.GET("/jobs/:id/graph", routes.GetJobGraphHandler)
	apiRoutes.GET("/jobs/:id/graph/link", routes.GetJobGraphLinkHandler)
	apiRoutes.POST("/jobs/:id/abort", routes.AbortJobHandler)

	// Callbacks for miners running outside the worker
	apiRoutes.POST("/jobs/:id/subtasks/:name/progress", routes.SubtaskProgressHandler)
	apiRoutes.POST("/jobs/:id/subtasks/:name/complete", routes.CompleteSubtaskHandler)
	apiRoutes.POST("/jobs/:id/subtasks/:name/fail", routes.FailSubtaskHandler)
}
