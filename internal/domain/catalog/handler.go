package catalog

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/validate"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/catalog", auth.RequireRole(auth.RoleBilling, auth.RolePharmacy))
	read.GET("", h.List)
	read.GET("/:code", h.Get)

	write := api.Group("/catalog", auth.RequireRole(auth.RoleAdmin))
	write.PUT("/:code", h.Put)
}

func (h *Handler) Get(c echo.Context) error {
	e, err := h.svc.Get(c.Request().Context(), c.Param("code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "catalog entry not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), c.QueryParam("category"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Put(c echo.Context) error {
	e := Entry{Active: true}
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	e.Code = c.Param("code")

	err := h.svc.Upsert(c.Request().Context(), &e)
	var verrs validate.Errors
	if errors.As(err, &verrs) {
		return echo.NewHTTPError(http.StatusBadRequest, verrs)
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}
