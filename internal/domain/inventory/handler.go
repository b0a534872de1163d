package inventory

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/validate"
	"github.com/ehr/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
	log zerolog.Logger
}

func NewHandler(svc *Service, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/inventory", auth.RequireRole(auth.RolePharmacy))
	g.GET("", h.ListItems)
	g.POST("", h.CreateItem)
	g.GET("/:code", h.GetItem)
	g.GET("/:code/movements", h.ListMovements)
	g.POST("/:code/dispense", h.Dispense)
	g.POST("/:code/receive", h.Receive)
	g.POST("/:code/adjust", h.Adjust)
}

// toHTTP maps ledger errors onto status codes.
func (h *Handler) toHTTP(err error) error {
	var verr *ValidationError
	var verrs validate.Errors
	var short *InsufficientStockError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"field": verr.Field, "message": verr.Message})
	case errors.As(err, &verrs):
		return echo.NewHTTPError(http.StatusBadRequest, verrs)
	case errors.As(err, &short):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"error":     "insufficient_stock",
			"item_code": short.ItemCode,
			"available": short.Available,
			"required":  short.Required,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.log.Error().Err(err).Msg("inventory request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return &ValidationError{Field: "body", Message: "malformed request body"}
	}
	return validate.Struct(dst)
}

func (h *Handler) CreateItem(c echo.Context) error {
	var it Item
	if err := c.Bind(&it); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := h.svc.CreateItem(c.Request().Context(), &it); err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) GetItem(c echo.Context) error {
	it, err := h.svc.GetItem(c.Request().Context(), c.Param("code"))
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) ListItems(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListItems(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListMovements(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListMovements(c.Request().Context(), c.Param("code"), pg.Limit, pg.Offset)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Dispense(c echo.Context) error {
	var in DispenseInput
	if err := bindValid(c, &in); err != nil {
		return h.toHTTP(err)
	}
	res, err := h.svc.Dispense(c.Request().Context(), c.Param("code"), in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Receive(c echo.Context) error {
	var in ReceiveInput
	if err := bindValid(c, &in); err != nil {
		return h.toHTTP(err)
	}
	it, err := h.svc.ReceiveStock(c.Request().Context(), c.Param("code"), in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, it)
}

func (h *Handler) Adjust(c echo.Context) error {
	var in AdjustInput
	if err := bindValid(c, &in); err != nil {
		return h.toHTTP(err)
	}
	it, err := h.svc.AdjustStock(c.Request().Context(), c.Param("code"), in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, it)
}
