package activity

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wardflow/wardflow/pkg/pagination"
)

type HTTPHandler struct {
	svc *Service
}

func NewHTTPHandler(svc *Service) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

func (h *HTTPHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/models", h.ListModels)

	api.POST("/activities", h.CreateActivity)
	api.GET("/activities", h.ListActivities)
	api.GET("/activities/open", h.OpenActivities)
	api.GET("/activities/:id", h.GetActivity)
	api.GET("/activities/:id/data", h.GetActivityData)
	api.GET("/activities/:id/created", h.CreatedActivities)
	api.PATCH("/activities/:id", h.WriteActivity)

	api.POST("/activities/:id/schedule", h.ScheduleActivity)
	api.POST("/activities/:id/start", h.StartActivity)
	api.POST("/activities/:id/complete", h.CompleteActivity)
	api.POST("/activities/:id/cancel", h.CancelActivity)
	api.POST("/activities/:id/submit", h.SubmitActivity)
	api.POST("/activities/:id/assign", h.AssignActivity)
	api.POST("/activities/:id/unassign", h.UnassignActivity)
	api.POST("/activities/:id/update", h.UpdateActivity)
}

// httpError translates engine errors into transport status codes.
// Transition and assignment conflicts are 409 so clients can retry
// after a refresh; validation problems are 400.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrAlreadyAssigned):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrMissingDataModel),
		errors.Is(err, ErrUnknownDataModel),
		errors.Is(err, ErrMissingScheduleDate),
		errors.Is(err, ErrInvalidDateFormat),
		errors.Is(err, ErrInvalidUser),
		errors.Is(err, ErrNoAssignee):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *HTTPHandler) ListModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"models": h.svc.Registry().Models()})
}

type createActivityRequest struct {
	DataModel     string         `json:"data_model"`
	Summary       string         `json:"summary"`
	Notes         *string        `json:"notes"`
	ParentID      *uuid.UUID     `json:"parent_id"`
	CreatorID     *uuid.UUID     `json:"creator_id"`
	DateScheduled *string        `json:"date_scheduled"`
	Data          map[string]any `json:"data"`
}

func (h *HTTPHandler) CreateActivity(c echo.Context) error {
	var req createActivityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	info := map[string]any{"data_model": req.DataModel}
	if req.Summary != "" {
		info["summary"] = req.Summary
	}
	if req.Notes != nil {
		info["notes"] = *req.Notes
	}
	if req.ParentID != nil {
		info["parent_id"] = *req.ParentID
	}
	if req.CreatorID != nil {
		info["creator_id"] = *req.CreatorID
	}
	if req.DateScheduled != nil {
		at, err := ParseScheduleDate(*req.DateScheduled)
		if err != nil {
			return httpError(err)
		}
		info["date_scheduled"] = at
	}

	act, err := h.svc.CreateActivity(c.Request().Context(), info, req.Data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, act)
}

func (h *HTTPHandler) GetActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	act, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, act)
}

func (h *HTTPHandler) GetActivityData(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.GetData(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *HTTPHandler) ListActivities(c echo.Context) error {
	pg := pagination.FromContext(c)

	var f ListFilter
	f.DataModel = c.QueryParam("data_model")
	f.State = State(c.QueryParam("state"))
	if raw := c.QueryParam("parent_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid parent_id")
		}
		f.ParentID = &pid
	}
	if raw := c.QueryParam("user_id"); raw != "" {
		uid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid user_id")
		}
		f.UserID = &uid
	}

	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *HTTPHandler) OpenActivities(c echo.Context) error {
	model := c.QueryParam("data_model")
	if model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "data_model is required")
	}
	var parentID *uuid.UUID
	if raw := c.QueryParam("parent_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid parent_id")
		}
		parentID = &pid
	}
	items, err := h.svc.GetOpenActivities(c.Request().Context(), model, parentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"data": items})
}

func (h *HTTPHandler) CreatedActivities(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ids, err := h.svc.GetRecursiveCreatedIDs(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ids": ids})
}

func (h *HTTPHandler) WriteActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	// Decoded straight from the body: echo's Bind would fold the :id
	// path parameter into the map and fail the field allowlist.
	var fields map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Write(c.Request().Context(), id, fields); err != nil {
		return httpError(err)
	}
	act, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, act)
}

type scheduleRequest struct {
	Date *string `json:"date"`
}

func (h *HTTPHandler) ScheduleActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req scheduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var date any
	if req.Date != nil {
		date = *req.Date
	}
	if err := h.svc.Schedule(c.Request().Context(), id, date); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

func (h *HTTPHandler) StartActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Start(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

func (h *HTTPHandler) CompleteActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	result, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	act, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"activity": act, "result": result})
}

type cancelRequest struct {
	ReasonID *uuid.UUID `json:"reason_id"`
}

func (h *HTTPHandler) CancelActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ReasonID != nil {
		err = h.svc.CancelWithReason(c.Request().Context(), id, *req.ReasonID)
	} else {
		err = h.svc.Cancel(c.Request().Context(), id)
	}
	if err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

type submitRequest struct {
	Data map[string]any `json:"data"`
}

func (h *HTTPHandler) SubmitActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Submit(c.Request().Context(), id, req.Data); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

type assignRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *HTTPHandler) AssignActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.UserID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
	}
	if err := h.svc.Assign(c.Request().Context(), id, req.UserID); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

func (h *HTTPHandler) UnassignActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Unassign(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

func (h *HTTPHandler) UpdateActivity(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.svc.UpdateActivity(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return h.respondActivity(c, id)
}

func (h *HTTPHandler) respondActivity(c echo.Context, id uuid.UUID) error {
	act, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, act)
}
