package billing

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/pkg/envelope"
	"github.com/labcase/labcase/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/study-requests/:id/payments", h.RegisterPayment)
	api.GET("/study-requests/:id/payments", h.GetPayments)
	api.GET("/accounts", h.ListAccounts)
}

func (h *Handler) RegisterPayment(c echo.Context) error {
	var in PaymentInput
	if err := c.Bind(&in); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	in.StudyRequestID = c.Param("id")
	p, err := h.svc.RegisterPayment(c.Request().Context(), in)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusCreated, p)
}

func (h *Handler) GetPayments(c echo.Context) error {
	payments, err := h.svc.GetPayments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, payments)
}

func (h *Handler) ListAccounts(c echo.Context) error {
	accounts, err := h.svc.Accounts(c.Request().Context())
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(accounts, pagination.FromContext(c)))
}
