package diagnostics

import (
	"strconv"
	"strings"
	"time"

	"github.com/labcase/labcase/internal/domain/billing"
	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/table"
)

// Collection discriminators.
const (
	RequestCollection = "dbo_Solicitudes"
	MacroCollection   = "EstudiosMacroscopicos"
	MicroCollection   = "EstudiosMicroscopicos"
)

// Key prefixes historically used for sub-records. Those rows carry
// SolicitudId but no Id.
const (
	legacyMacroPrefix = "EstudioMacroscopico#"
	legacyMicroPrefix = "EstudioMicroscopico#"
)

// -- Stage --

// Stage is the lifecycle position of a study request.
type Stage int

const (
	StageInitiated   Stage = 1
	StageMacroscopic Stage = 2
	StageMicroscopic Stage = 3
	StageFinalized   Stage = 4
)

var stageLabels = map[Stage]string{
	StageInitiated:   "Iniciado",
	StageMacroscopic: "Macroscópico completo",
	StageMicroscopic: "En diagnóstico",
	StageFinalized:   "Finalizado",
}

var stageNames = map[Stage]string{
	StageInitiated:   "initiated",
	StageMacroscopic: "macroscopic",
	StageMicroscopic: "microscopic",
	StageFinalized:   "finalized",
}

// stageTransitions maps each stage to the only stage it may advance to.
var stageTransitions = map[Stage]Stage{
	StageInitiated:   StageMacroscopic,
	StageMacroscopic: StageMicroscopic,
	StageMicroscopic: StageFinalized,
}

// Label is the status text stored in Estatus.
func (s Stage) Label() string { return stageLabels[s] }

// Name is the stage in lowercase English, used in metrics and blob keys.
func (s Stage) Name() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseStage accepts a stage number or name.
func ParseStage(v string) (Stage, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	for s, name := range stageNames {
		if v == name || v == strconv.Itoa(int(s)) {
			return s, true
		}
	}
	return 0, false
}

// -- Study type --

type StudyType string

const (
	StudyCytology StudyType = "cytology"
	StudyBiopsy   StudyType = "biopsy"
)

// ParseStudyType accepts the enum value or the historical Spanish label.
func ParseStudyType(v string) (StudyType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "cytology", "citología", "citologia":
		return StudyCytology, true
	case "biopsy", "biopsia":
		return StudyBiopsy, true
	}
	return "", false
}

// -- Attachment --

// Attachment references a stored blob. Rows never hold the bytes.
type Attachment struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
	URL         string    `json:"url"`
}

func attachmentFromMap(m map[string]any) *Attachment {
	if m == nil {
		return nil
	}
	row := collection.Row(m)
	a := &Attachment{
		Name:        row.String("nombre", "name"),
		Size:        int64(row.Float("tamaño", "size")),
		ContentType: row.String("tipo", "content_type", "contentType"),
		UploadedAt:  row.Time("fechaSubida", "uploaded_at", "uploadedAt"),
		URL:         row.String("url"),
	}
	if a.URL == "" && a.Name == "" {
		return nil
	}
	return a
}

func attachmentMap(a *Attachment) map[string]any {
	if a == nil {
		return nil
	}
	return map[string]any{
		"nombre":      a.Name,
		"tamaño":      a.Size,
		"tipo":        a.ContentType,
		"fechaSubida": collection.FormatTime(a.UploadedAt),
		"url":         a.URL,
	}
}

func attachmentsFromList(list []any) []Attachment {
	out := make([]Attachment, 0, len(list))
	for _, v := range list {
		switch x := v.(type) {
		case map[string]any:
			if a := attachmentFromMap(x); a != nil {
				out = append(out, *a)
			}
		case string:
			if x != "" {
				out = append(out, Attachment{Name: x, URL: x})
			}
		}
	}
	return out
}

func attachmentList(as []Attachment) []any {
	out := make([]any, 0, len(as))
	for i := range as {
		out = append(out, attachmentMap(&as[i]))
	}
	return out
}

// -- StudyRequest --

// StudyRequest is a row of dbo_Solicitudes.
type StudyRequest struct {
	ID                 string      `json:"id"`
	PatientID          string      `json:"patient_id"`
	PatientName        string      `json:"patient_name"`
	DoctorID           string      `json:"doctor_id,omitempty"`
	DoctorName         string      `json:"doctor_name"`
	StudyType          StudyType   `json:"study_type"`
	ReceivedAt         time.Time   `json:"received_at"`
	Origin             string      `json:"origin"`
	Price              float64     `json:"price"`
	SpecialStudy       bool        `json:"special_study"`
	SpecialPrice       float64     `json:"special_price"`
	Advance            float64     `json:"advance"`
	PaidToDate         float64     `json:"paid_to_date"`
	PaymentStatus      string      `json:"payment_status"`
	Invoice            string      `json:"invoice,omitempty"`
	ClinicalNotes      string      `json:"clinical_notes,omitempty"`
	RequiresSignature  bool        `json:"requires_signature"`
	Stage              Stage       `json:"stage"`
	StageLabel         string      `json:"stage_label"`
	MacroAt            *time.Time  `json:"macro_at,omitempty"`
	MicroAt            *time.Time  `json:"micro_at,omitempty"`
	FinalizedAt        *time.Time  `json:"finalized_at,omitempty"`
	DefinitiveArtifact *Attachment `json:"definitive_artifact,omitempty"`
	InvoiceArtifact    *Attachment `json:"invoice_artifact,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
	Version            int64       `json:"-"`
}

// BillablePrice is the amount the ledger is reconciled against.
func (r *StudyRequest) BillablePrice() float64 {
	return billing.BillablePrice(r.Price, r.SpecialPrice, r.SpecialStudy)
}

// StudyRequestInput registers a new study request.
type StudyRequestInput struct {
	PatientName       string  `json:"patient_name"`
	PatientPhone      string  `json:"patient_phone"`
	PatientSex        string  `json:"patient_sex"`
	PatientBirthDate  string  `json:"patient_birth_date"`
	DoctorID          string  `json:"doctor_id"`
	DoctorName        string  `json:"doctor_name"`
	StudyType         string  `json:"study_type"`
	ReceivedAt        string  `json:"received_at"`
	Origin            string  `json:"origin"`
	Price             float64 `json:"price"`
	SpecialStudy      bool    `json:"special_study"`
	SpecialPrice      float64 `json:"special_price"`
	Advance           float64 `json:"advance"`
	AdvanceMethod     string  `json:"advance_method"`
	ClinicalNotes     string  `json:"clinical_notes"`
	RequiresSignature bool    `json:"requires_signature"`
}

var receivedLayouts = []string{"2006-01-02", time.RFC3339, time.RFC3339Nano}

func parseReceivedAt(v string) (time.Time, bool) {
	for _, layout := range receivedLayouts {
		if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// -- Sub-records --

// MacroStudy is the macroscopic examination of a request, keyed by the
// request id.
type MacroStudy struct {
	RequestID         string       `json:"request_id"`
	Description       string       `json:"description"`
	RequiresSignature bool         `json:"requires_signature"`
	Attachments       []Attachment `json:"attachments"`
	UserID            string       `json:"user_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Version           int64        `json:"-"`
}

type MacroInput struct {
	Description       string       `json:"description"`
	RequiresSignature bool         `json:"requires_signature"`
	Attachments       []Attachment `json:"attachments"`
	UserID            string       `json:"user_id"`
}

// MicroStudy is the microscopic examination and diagnosis of a request.
type MicroStudy struct {
	RequestID         string       `json:"request_id"`
	Description       string       `json:"description"`
	Diagnosis         string       `json:"diagnosis"`
	Malignant         bool         `json:"malignant"`
	RequiresSignature bool         `json:"requires_signature"`
	Attachments       []Attachment `json:"attachments"`
	UserID            string       `json:"user_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	Version           int64        `json:"-"`
}

type MicroInput struct {
	Description       string       `json:"description"`
	Diagnosis         string       `json:"diagnosis"`
	Malignant         bool         `json:"malignant"`
	RequiresSignature bool         `json:"requires_signature"`
	Attachments       []Attachment `json:"attachments"`
	UserID            string       `json:"user_id"`
}

// -- Reports --

// PatientSummary aggregates the requests of one patient.
type PatientSummary struct {
	PatientID     string    `json:"patient_id"`
	PatientName   string    `json:"patient_name"`
	StudyTypes    []string  `json:"study_types"`
	Doctors       []string  `json:"doctors"`
	TotalRequests int       `json:"total_requests"`
	FirstRequest  time.Time `json:"first_request"`
	LastRequest   time.Time `json:"last_request"`
	Origin        string    `json:"origin"`
	TotalAmount   float64   `json:"total_amount"`
	AverageAmount float64   `json:"average_amount"`
}

// MonthlyIncome is the billable total of requests received in one month.
type MonthlyIncome struct {
	Month    int     `json:"month"`
	Requests int     `json:"requests"`
	Income   float64 `json:"income"`
}

// Dashboard summarizes every request.
type Dashboard struct {
	TotalRequests int             `json:"total_requests"`
	Completed     int             `json:"completed"`
	InProgress    int             `json:"in_progress"`
	Pending       int             `json:"pending"`
	ByStage       map[string]int  `json:"by_stage"`
	ByStudyType   map[string]int  `json:"by_study_type"`
	Income        float64         `json:"income"`
	Outstanding   float64         `json:"outstanding"`
	Efficiency    int             `json:"efficiency"`
	Year          int             `json:"year"`
	Monthly       []MonthlyIncome `json:"monthly"`
}

// -- row mapping --

func studyRequestFromRow(row collection.Row) *StudyRequest {
	r := &StudyRequest{
		ID:                row.ID(),
		PatientID:         row.String("PacienteId", "pacienteId"),
		PatientName:       row.String("PacienteNombre", "pacienteNombre"),
		DoctorID:          row.String("MedicoId", "medicoId"),
		DoctorName:        row.String("MedicoSolicitante", "medicoSolicitante"),
		ReceivedAt:        row.Time("FechaRecepcion", "fechaRecepcion"),
		Origin:            row.String("Procedencia", "procedencia"),
		Price:             row.Float("PrecioEstudio", "precioEstudio"),
		SpecialStudy:      row.Bool("EstudioEspecial", "estudioEspecial"),
		SpecialPrice:      row.Float("PrecioEstudioEspecial", "precioEstudioEspecial"),
		Advance:           row.Float("Anticipo", "anticipo"),
		PaidToDate:        row.Float("TotalPagado", "totalPagado"),
		PaymentStatus:     row.String("EstatusPago", "estatusPago"),
		Invoice:           row.String("Factura", "factura"),
		ClinicalNotes:     row.String("DatosClinicos", "datosClinicos"),
		RequiresSignature: row.Bool("RequiereFirma", "requiereFirma"),
		Stage:             Stage(row.Int("IdEstatusEstudio", "idEstatusEstudio")),
		MacroAt:           row.TimePtr("FechaMacro", "fechaMacro"),
		MicroAt:           row.TimePtr("FechaMicro", "fechaMicro"),
		FinalizedAt:       row.TimePtr("FechaFinalizado", "fechaFinalizado"),
		CreatedAt:         row.Time(collection.AttrCreatedAt, "createdAt"),
		UpdatedAt:         row.Time(collection.AttrUpdatedAt, "updatedAt"),
		Version:           row.Version(),
	}
	if t, ok := ParseStudyType(row.String("TipoEstudio", "tipoEstudio")); ok {
		r.StudyType = t
	} else {
		r.StudyType = StudyType(row.String("TipoEstudio", "tipoEstudio"))
	}
	if r.Stage < StageInitiated {
		r.Stage = StageInitiated
	}
	r.StageLabel = r.Stage.Label()
	r.DefinitiveArtifact = artifactFromRow(row, "ArchivoDefinitivo", "archivoDefinitivo")
	r.InvoiceArtifact = artifactFromRow(row, "ArchivoFactura", "archivoFactura")
	return r
}

// artifactFromRow accepts an attachment map or a bare URL string.
func artifactFromRow(row collection.Row, names ...string) *Attachment {
	if m := row.Map(names...); m != nil {
		return attachmentFromMap(m)
	}
	if url := row.String(names...); url != "" {
		return &Attachment{Name: url, URL: url}
	}
	return nil
}

func studyRequestRow(r *StudyRequest) collection.Row {
	row := collection.Row{
		table.AttrID:             r.ID,
		"PacienteId":             r.PatientID,
		"PacienteNombre":         r.PatientName,
		"MedicoSolicitante":      r.DoctorName,
		"TipoEstudio":            string(r.StudyType),
		"FechaRecepcion":         collection.FormatTime(r.ReceivedAt),
		"Procedencia":            r.Origin,
		"PrecioEstudio":          r.Price,
		"EstudioEspecial":        r.SpecialStudy,
		"PrecioEstudioEspecial":  r.SpecialPrice,
		"Anticipo":               r.Advance,
		"TotalPagado":            r.PaidToDate,
		"EstatusPago":            r.PaymentStatus,
		"DatosClinicos":          r.ClinicalNotes,
		"RequiereFirma":          r.RequiresSignature,
		"IdEstatusEstudio":       int(r.Stage),
		"Estatus":                r.Stage.Label(),
		collection.AttrCreatedAt: collection.FormatTime(r.CreatedAt),
		collection.AttrUpdatedAt: collection.FormatTime(r.UpdatedAt),
	}
	if r.DoctorID != "" {
		row["MedicoId"] = r.DoctorID
	}
	return row
}

func macroFromRow(row collection.Row) *MacroStudy {
	return &MacroStudy{
		RequestID:         row.String("SolicitudId", "solicitudId", table.AttrID),
		Description:       textOf(row, "DescripcionMacroscopica", "descripcionMacroscopica"),
		RequiresSignature: row.Bool("RequiereFirma", "requiereFirma"),
		Attachments:       attachmentsFromList(row.List("Archivos", "archivos")),
		UserID:            row.String("UsuarioId", "usuarioId"),
		CreatedAt:         row.Time(collection.AttrCreatedAt),
		UpdatedAt:         row.Time(collection.AttrUpdatedAt),
		Version:           row.Version(),
	}
}

func macroRow(m *MacroStudy) collection.Row {
	return collection.Row{
		table.AttrID:              m.RequestID,
		"SolicitudId":             m.RequestID,
		"DescripcionMacroscopica": m.Description,
		"RequiereFirma":           m.RequiresSignature,
		"Archivos":                attachmentList(m.Attachments),
		"UsuarioId":               m.UserID,
	}
}

func microFromRow(row collection.Row) *MicroStudy {
	return &MicroStudy{
		RequestID:         row.String("SolicitudId", "solicitudId", table.AttrID),
		Description:       textOf(row, "Descripciones", "descripciones"),
		Diagnosis:         row.String("Diagnostico", "diagnostico"),
		Malignant:         row.Bool("EsMaligno", "esMaligno"),
		RequiresSignature: row.Bool("RequiereFirma", "requiereFirma"),
		Attachments:       attachmentsFromList(row.List("Imagenes", "imagenes")),
		UserID:            row.String("UsuarioId", "usuarioId"),
		CreatedAt:         row.Time(collection.AttrCreatedAt),
		UpdatedAt:         row.Time(collection.AttrUpdatedAt),
		Version:           row.Version(),
	}
}

// sameAs reports whether o records the same examination as m.
func (m *MacroStudy) sameAs(o *MacroStudy) bool {
	return m.Description == o.Description &&
		m.RequiresSignature == o.RequiresSignature &&
		m.UserID == o.UserID &&
		sameAttachments(m.Attachments, o.Attachments)
}

func (m *MicroStudy) sameAs(o *MicroStudy) bool {
	return m.Description == o.Description &&
		m.Diagnosis == o.Diagnosis &&
		m.Malignant == o.Malignant &&
		m.RequiresSignature == o.RequiresSignature &&
		m.UserID == o.UserID &&
		sameAttachments(m.Attachments, o.Attachments)
}

func sameAttachments(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}

func microRow(m *MicroStudy) collection.Row {
	return collection.Row{
		table.AttrID:    m.RequestID,
		"SolicitudId":   m.RequestID,
		"Descripciones": m.Description,
		"Diagnostico":   m.Diagnosis,
		"EsMaligno":     m.Malignant,
		"RequiereFirma": m.RequiresSignature,
		"Imagenes":      attachmentList(m.Attachments),
		"UsuarioId":     m.UserID,
	}
}

// textOf reads a description stored either as text or as a list of
// paragraphs.
func textOf(row collection.Row, names ...string) string {
	if list := row.List(names...); list != nil {
		parts := make([]string, 0, len(list))
		for _, v := range list {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	}
	return row.String(names...)
}
