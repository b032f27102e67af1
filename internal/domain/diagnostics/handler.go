package diagnostics

import (
	"net/http"
	"strconv"

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
	api.POST("/study-requests", h.CreateStudyRequest)
	api.GET("/study-requests", h.ListStudyRequests)
	api.GET("/study-requests/recent", h.RecentStudyRequests)
	api.GET("/study-requests/:id", h.GetStudyRequest)

	api.POST("/study-requests/:id/macroscopic", h.RecordMacroscopicStudy)
	api.GET("/study-requests/:id/macroscopic", h.GetMacroscopicStudy)
	api.POST("/study-requests/:id/microscopic", h.RecordMicroscopicStudy)
	api.GET("/study-requests/:id/microscopic", h.GetMicroscopicStudy)
	api.POST("/study-requests/:id/finalize", h.Finalize)

	api.PUT("/study-requests/:id/invoice", h.UpdateInvoice)
	api.PUT("/study-requests/:id/invoice-file", h.AttachFactura)
	api.PUT("/study-requests/:id/special-study", h.SetSpecialStudy)
	api.POST("/study-requests/:id/attachments", h.UploadAttachment)

	api.GET("/patients/:id/study-requests", h.ListPatientStudyRequests)
	api.GET("/reports/patients", h.AggregatePatients)
	api.GET("/reports/dashboard", h.Dashboard)
}

// -- Study Request Handlers --

func (h *Handler) CreateStudyRequest(c echo.Context) error {
	var in StudyRequestInput
	if err := c.Bind(&in); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusCreated, req)
}

func (h *Handler) GetStudyRequest(c echo.Context) error {
	req, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

func (h *Handler) ListStudyRequests(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		reqs []*StudyRequest
		err  error
	)
	if patientID := c.QueryParam("patient_id"); patientID != "" {
		reqs, err = h.svc.ListByPatient(ctx, patientID)
	} else {
		reqs, err = h.svc.List(ctx)
	}
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(reqs, pagination.FromContext(c)))
}

func (h *Handler) RecentStudyRequests(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	reqs, err := h.svc.Recent(c.Request().Context(), limit)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, reqs)
}

func (h *Handler) ListPatientStudyRequests(c echo.Context) error {
	reqs, err := h.svc.ListByPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(reqs, pagination.FromContext(c)))
}

// -- Lifecycle Handlers --

func (h *Handler) RecordMacroscopicStudy(c echo.Context) error {
	var in MacroInput
	if err := c.Bind(&in); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.RecordMacroscopicStudy(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

func (h *Handler) GetMacroscopicStudy(c echo.Context) error {
	m, err := h.svc.MacroStudy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, m)
}

func (h *Handler) RecordMicroscopicStudy(c echo.Context) error {
	var in MicroInput
	if err := c.Bind(&in); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.RecordMicroscopicStudy(c.Request().Context(), c.Param("id"), in)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

func (h *Handler) GetMicroscopicStudy(c echo.Context) error {
	m, err := h.svc.MicroStudy(c.Request().Context(), c.Param("id"))
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, m)
}

type artifactBody struct {
	Artifact *Attachment `json:"artifact"`
}

func (h *Handler) Finalize(c echo.Context) error {
	var body artifactBody
	if err := c.Bind(&body); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.Finalize(c.Request().Context(), c.Param("id"), body.Artifact)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

// -- Metadata Handlers --

func (h *Handler) UpdateInvoice(c echo.Context) error {
	var body struct {
		Invoice string `json:"invoice"`
	}
	if err := c.Bind(&body); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.UpdateInvoice(c.Request().Context(), c.Param("id"), body.Invoice)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

func (h *Handler) AttachFactura(c echo.Context) error {
	var body artifactBody
	if err := c.Bind(&body); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.AttachFactura(c.Request().Context(), c.Param("id"), body.Artifact)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

func (h *Handler) SetSpecialStudy(c echo.Context) error {
	var body struct {
		SpecialStudy bool    `json:"special_study"`
		SpecialPrice float64 `json:"special_price"`
	}
	if err := c.Bind(&body); err != nil {
		return envelope.Fail(c, apperr.Validationf("invalid body: %v", err))
	}
	req, err := h.svc.SetSpecialStudy(c.Request().Context(), c.Param("id"), body.SpecialStudy, body.SpecialPrice)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, req)
}

// UploadAttachment accepts one multipart file under "file" and the lifecycle
// stage it belongs to under "stage".
func (h *Handler) UploadAttachment(c echo.Context) error {
	stage, ok := ParseStage(c.FormValue("stage"))
	if !ok {
		return envelope.Fail(c, apperr.Validationf("stage: must be one of initiated, macroscopic, microscopic, finalized"))
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return envelope.Fail(c, apperr.Validationf("file: %v", err))
	}
	f, err := fh.Open()
	if err != nil {
		return envelope.Fail(c, apperr.Validationf("file: %v", err))
	}
	defer f.Close()

	a, err := h.svc.UploadAttachment(c.Request().Context(), c.Param("id"), stage, fh.Filename, fh.Header.Get("Content-Type"), f)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusCreated, a)
}

// -- Report Handlers --

func (h *Handler) AggregatePatients(c echo.Context) error {
	out, err := h.svc.AggregatePatients(c.Request().Context())
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, pagination.Apply(out, pagination.FromContext(c)))
}

func (h *Handler) Dashboard(c echo.Context) error {
	year, _ := strconv.Atoi(c.QueryParam("year"))
	d, err := h.svc.Dashboard(c.Request().Context(), year)
	if err != nil {
		return envelope.Fail(c, err)
	}
	return envelope.OK(c, http.StatusOK, d)
}
