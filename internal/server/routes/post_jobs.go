package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/coordinator"
	"github.com/vanillabrand/fandom/internal/server/middleware"
	"github.com/vanillabrand/fandom/internal/util"
)

func CreateJobHandler(c echo.Context) error {
	type createJobBody struct {
		Query      string `json:"query" validate:"required"`
		SampleSize int    `json:"sample_size" validate:"required,min=1,max=10000"`
		Platform   string `json:"platform"`
		Intent     string `json:"intent"`
		Profile    string `json:"profile"`
	}

	type createJobResponse struct {
		Message string `json:"message"`
		JobID   string `json:"job_id"`
	}

	data := new(createJobBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	data.Query = util.NormalizeQuery(data.Query)
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()

	jobID, err := app.Coordinator.Submit(ctx, coordinator.DispatchRequest{
		Query:      data.Query,
		SampleSize: data.SampleSize,
		Platform:   util.SanitizePostgresText(data.Platform),
		Intent:     util.SanitizePostgresText(data.Intent),
		Profile:    util.SanitizePostgresText(data.Profile),
	})
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusAccepted, createJobResponse{
		Message: "Job dispatched",
		JobID:   jobID,
	})
}

func AbortJobHandler(c echo.Context) error {
	type abortJobParams struct {
		JobID string `param:"id" validate:"required"`
	}

	params := new(abortJobParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	if err := app.Coordinator.Abort(c.Request().Context(), params.JobID); err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Job aborted"})
}
