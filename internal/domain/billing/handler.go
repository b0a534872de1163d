package billing

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
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
	role := auth.RequireRole(auth.RoleBilling)
	api.POST("/generate-invoice", h.Generate, role)
	api.GET("/patient-billing-summary", h.Summary, role)

	g := api.Group("/invoices", role)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.GET("/:id/payments", h.ListPayments)
	g.POST("/:id/record-payment", h.RecordPayment)
	g.POST("/:id/add-item", h.AddItem)
	g.POST("/:id/issue", h.Issue)
	g.POST("/:id/cancel", h.Cancel)
}

type GenerateRequest struct {
	SubjectID uuid.UUID `json:"subject_id" validate:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// invoiceView adds the derived balance to the stored invoice.
type invoiceView struct {
	*Invoice
	BalanceDue string `json:"balance_due"`
}

func view(inv *Invoice) invoiceView {
	return invoiceView{Invoice: inv, BalanceDue: inv.BalanceDue().StringFixed(2)}
}

func (h *Handler) toHTTP(err error) error {
	var verr *ValidationError
	var verrs validate.Errors
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{"field": verr.Field, "message": verr.Message})
	case errors.As(err, &verrs):
		return echo.NewHTTPError(http.StatusBadRequest, verrs)
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrGenerationInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConsistency):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	h.log.Error().Err(err).Msg("billing request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func bindValid(c echo.Context, dst interface{}) error {
	if err := c.Bind(dst); err != nil {
		return &ValidationError{Field: "body", Message: "malformed request body"}
	}
	return validate.Struct(dst)
}

func parseID(raw, field string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalid(field, "must be a valid UUID")
	}
	return id, nil
}

func (h *Handler) Generate(c echo.Context) error {
	var req GenerateRequest
	if err := bindValid(c, &req); err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.GenerateFromPendingOrders(c.Request().Context(), req.SubjectID)
	if errors.Is(err, ErrNothingToBill) {
		return c.JSON(http.StatusOK, map[string]string{"status": "nothing_to_bill"})
	}
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusCreated, view(inv))
}

func (h *Handler) Summary(c echo.Context) error {
	id, err := parseID(c.QueryParam("subject_id"), "subject_id")
	if err != nil {
		return h.toHTTP(err)
	}
	sum, err := h.svc.Summary(c.Request().Context(), id)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) List(c echo.Context) error {
	id, err := parseID(c.QueryParam("patient_id"), "patient_id")
	if err != nil {
		return h.toHTTP(err)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoices(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, view(inv))
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	if err := h.svc.DeleteInvoice(c.Request().Context(), id); err != nil {
		return h.toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	payments, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return h.toHTTP(err)
	}
	if payments == nil {
		payments = []*Payment{}
	}
	return c.JSON(http.StatusOK, payments)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	var in PaymentInput
	if err := bindValid(c, &in); err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.RecordPayment(c.Request().Context(), id, in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, view(inv))
}

func (h *Handler) AddItem(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	var in ManualItemInput
	if err := bindValid(c, &in); err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.AddManualItem(c.Request().Context(), id, in)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, view(inv))
}

func (h *Handler) Issue(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.IssueInvoice(c.Request().Context(), id)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, view(inv))
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c.Param("id"), "id")
	if err != nil {
		return h.toHTTP(err)
	}
	var req CancelRequest
	if err := bindValid(c, &req); err != nil {
		return h.toHTTP(err)
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id, req.Reason)
	if err != nil {
		return h.toHTTP(err)
	}
	return c.JSON(http.StatusOK, view(inv))
}
