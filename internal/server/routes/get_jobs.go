package routes

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vanillabrand/fandom/internal/server/middleware"
	"github.com/vanillabrand/fandom/pkg/common"
)

type jobParams struct {
	JobID string `param:"id" validate:"required"`
}

// jobResponse is the public view of a job. Raw subtask results stay
// internal; they can be large and the graph carries everything a client
// needs.
type jobResponse struct {
	ID        string                           `json:"id"`
	Status    common.JobStatus                 `json:"status"`
	Progress  int                              `json:"progress"`
	Stage     string                           `json:"stage,omitempty"`
	Subtasks  map[string]*common.SubtaskRecord `json:"subtasks"`
	Errors    map[string]string                `json:"errors,omitempty"`
	Metadata  common.JobMetadata               `json:"metadata"`
	HasResult bool                             `json:"has_result"`
	DatasetID string                           `json:"dataset_id,omitempty"`
	CreatedAt time.Time                        `json:"created_at"`
	UpdatedAt time.Time                        `json:"updated_at"`
}

func bindJobParams(c echo.Context) (*jobParams, error) {
	params := new(jobParams)
	if err := c.Bind(params); err != nil {
		return nil, err
	}
	if err := c.Validate(params); err != nil {
		return nil, err
	}
	return params, nil
}

func GetJobHandler(c echo.Context) error {
	params, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	job, err := app.Coordinator.GetJob(c.Request().Context(), params.JobID)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, jobResponse{
		ID:        job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Stage:     job.Stage,
		Subtasks:  job.Subtasks,
		Errors:    job.Errors,
		Metadata:  job.Metadata,
		HasResult: job.ResultKey != "",
		DatasetID: job.DatasetID,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	})
}

func GetJobGraphHandler(c echo.Context) error {
	params, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	res, err := app.Coordinator.GetResult(c.Request().Context(), params.JobID)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, res)
}

// GetJobGraphLinkHandler hands out a presigned download link for the result
// document so large graphs need not pass through the API.
func GetJobGraphLinkHandler(c echo.Context) error {
	params, err := bindJobParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	if app.Links == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "Download links are not supported"})
	}

	ctx := c.Request().Context()
	job, err := app.Coordinator.GetJob(ctx, params.JobID)
	if err != nil {
		return errorResponse(c, err)
	}
	if job.ResultKey == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Result not available"})
	}

	link, err := app.Links.GenerateDownloadLink(ctx, job.ResultKey)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"url": link})
}
