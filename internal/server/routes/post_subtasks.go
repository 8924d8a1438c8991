package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/server/middleware"
	"github.com/vanillabrand/fandom/pkg/common"
)

func SubtaskProgressHandler(c echo.Context) error {
	type progressBody struct {
		JobID   string `param:"id" validate:"required"`
		Subtask string `param:"name" validate:"required"`
		Percent int    `json:"percent" validate:"min=0,max=100"`
		Stage   string `json:"stage"`
	}

	data := new(progressBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	err := app.Coordinator.ReportProgress(c.Request().Context(), data.JobID, data.Subtask, data.Percent, data.Stage)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Progress recorded"})
}

func CompleteSubtaskHandler(c echo.Context) error {
	type completeBody struct {
		JobID   string             `param:"id" validate:"required"`
		Subtask string             `param:"name" validate:"required"`
		Items   []common.RawRecord `json:"items"`
	}

	data := new(completeBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	err := app.Coordinator.CompleteSubtask(c.Request().Context(), data.JobID, data.Subtask, common.MinedData{Items: data.Items})
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Subtask completed"})
}

func FailSubtaskHandler(c echo.Context) error {
	type failBody struct {
		JobID   string `param:"id" validate:"required"`
		Subtask string `param:"name" validate:"required"`
		Error   string `json:"error" validate:"required"`
	}

	data := new(failBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	err := app.Coordinator.FailSubtask(c.Request().Context(), data.JobID, data.Subtask, errors.New(data.Error))
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "Subtask failed"})
}
