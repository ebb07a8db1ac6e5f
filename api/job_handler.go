package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Mudityadev/charles-map/dispatch/job"
	"github.com/Mudityadev/charles-map/dispatch/submit"
)

// EnqueueResponse is returned by every submission route.
type EnqueueResponse struct {
	JobID job.ID `json:"jobId"`
}

// The submission bodies accept an optional caller-chosen id next to the
// request fields.
type importBody struct {
	ID job.ID `json:"id"`
	submit.ImportRequest
}

type exportBody struct {
	ID job.ID `json:"id"`
	submit.ExportRequest
}

type aiBody struct {
	ID job.ID `json:"id"`
	submit.AIRequest
}

func (a *API) enqueueImport(c echo.Context) error {
	var body importBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	req := body.ImportRequest
	req.ID = body.ID
	identity(c, &req.OrgID, &req.UserID)

	id, err := a.eng.Client().EnqueueImport(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EnqueueResponse{JobID: id})
}

func (a *API) enqueueExport(c echo.Context) error {
	var body exportBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	req := body.ExportRequest
	req.ID = body.ID
	identity(c, &req.OrgID, &req.UserID)

	id, err := a.eng.Client().EnqueueExport(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EnqueueResponse{JobID: id})
}

func (a *API) enqueueAI(c echo.Context) error {
	var body aiBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	req := body.AIRequest
	req.ID = body.ID
	identity(c, &req.OrgID, &req.UserID)

	id, err := a.eng.Client().EnqueueAITask(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, EnqueueResponse{JobID: id})
}

func (a *API) getJob(c echo.Context) error {
	family, err := job.ParseFamily(c.Param("family"))
	if err != nil {
		return err
	}

	st, err := a.eng.Client().Status(c.Request().Context(), family, job.ID(c.Param("id")))
	if err != nil {
		return err
	}

	// A job is only visible to its own organization.
	if orgID := c.Request().Header.Get(HeaderOrgID); orgID != "" && st.OrgID != orgID {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return c.JSON(http.StatusOK, st)
}
