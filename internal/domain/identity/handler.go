package identity

import (
	"net/http"
	"time"

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
	api.GET("/patients", h.SearchPatients)
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)

	api.GET("/doctors", h.SearchDoctors)
	api.POST("/doctors", h.CreateDoctor)
	api.GET("/doctors/:id", h.GetDoctor)
}

// -- Patient Handlers --

func (h *Handler) CreatePatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	p.ID = ""
	p.CreatedAt, p.UpdatedAt = time.Time{}, time.Time{}
	if err := h.svc.CreatePatient(c.Request().Context(), &p); err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var u PatientUpdate
	if err := c.Bind(&u); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), c.Param("id"), u)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, p)
}

// SearchPatients serves ?q= (substring search) and ?phone= lookups. With
// neither parameter every patient is listed.
func (h *Handler) SearchPatients(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		patients []*Patient
		err      error
	)
	if phone := c.QueryParam("phone"); phone != "" {
		patients, err = h.svc.SearchPatientsByPhone(ctx, phone)
	} else {
		patients, err = h.svc.SearchPatients(ctx, c.QueryParam("q"))
	}
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(patients, pagination.FromContext(c)))
}

// -- Doctor Handlers --

func (h *Handler) CreateDoctor(c echo.Context) error {
	var d Doctor
	if err := c.Bind(&d); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	d.ID = ""
	d.CreatedAt, d.UpdatedAt = time.Time{}, time.Time{}
	if err := h.svc.CreateDoctor(c.Request().Context(), &d); err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	d, err := h.svc.GetDoctor(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, d)
}

func (h *Handler) SearchDoctors(c echo.Context) error {
	doctors, err := h.svc.SearchDoctors(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(doctors, pagination.FromContext(c)))
}
