package placement

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/wardflow/wardflow/pkg/pagination"
)

type HTTPHandler struct {
	locations LocationRepository
}

func NewHTTPHandler(locations LocationRepository) *HTTPHandler {
	return &HTTPHandler{locations: locations}
}

func (h *HTTPHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/locations", h.CreateLocation)
	api.GET("/locations", h.ListLocations)
	api.GET("/locations/:id", h.GetLocation)
}

func (h *HTTPHandler) CreateLocation(c echo.Context) error {
	var l Location
	if err := c.Bind(&l); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if l.Name == "" || l.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and code are required")
	}
	if err := h.locations.Create(c.Request().Context(), &l); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *HTTPHandler) GetLocation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	l, err := h.locations.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrLocationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "location not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, l)
}

func (h *HTTPHandler) ListLocations(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.locations.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
