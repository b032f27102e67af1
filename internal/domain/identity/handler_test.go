package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type envelopeBody struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data any) envelopeBody {
	t.Helper()
	var body envelopeBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if data != nil && len(body.Data) > 0 {
		if err := json.Unmarshal(body.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return body
}

func newTestHandler() (*Handler, *echo.Echo) {
	svc := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	return h, e
}

func TestHandler_CreatePatient(t *testing.T) {
	h, e := newTestHandler()

	body := `{"name":"John","paternal_surname":"Doe","email":"john@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	var p Patient
	env := decodeEnvelope(t, rec, &p)
	if !env.Success || p.Name != "John" || p.ID == "" {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}

func TestHandler_CreateIgnoresClientTimestamps(t *testing.T) {
	h, e := newTestHandler()
	before := time.Now().Add(-time.Minute)

	tests := []struct {
		name    string
		path    string
		body    string
		handler func(echo.Context) error
		stamps  func(json.RawMessage) (time.Time, time.Time)
	}{
		{
			name:    "patient",
			path:    "/api/v1/patients",
			body:    `{"name":"Lucia","created_at":"2001-01-01T00:00:00Z","updated_at":"2001-01-02T00:00:00Z"}`,
			handler: h.CreatePatient,
			stamps: func(raw json.RawMessage) (time.Time, time.Time) {
				var p Patient
				_ = json.Unmarshal(raw, &p)
				return p.CreatedAt, p.UpdatedAt
			},
		},
		{
			name:    "doctor",
			path:    "/api/v1/doctors",
			body:    `{"name":"Hugo","first_surname":"Vega","created_at":"2001-01-01T00:00:00Z","updated_at":"2001-01-02T00:00:00Z"}`,
			handler: h.CreateDoctor,
			stamps: func(raw json.RawMessage) (time.Time, time.Time) {
				var d Doctor
				_ = json.Unmarshal(raw, &d)
				return d.CreatedAt, d.UpdatedAt
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			if err := tt.handler(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
			}
			body := decodeEnvelope(t, rec, nil)
			created, updated := tt.stamps(body.Data)
			if created.Before(before) || updated.Before(before) {
				t.Errorf("client timestamps were kept: created %s updated %s", created, updated)
			}
		})
	}
}

func TestHandler_CreatePatient_BadRequest(t *testing.T) {
	h, e := newTestHandler()

	body := `{"paternal_surname":"Doe"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec, nil)
	if env.Success || env.Error == nil || env.Error.Kind != "validation_failed" {
		t.Errorf("unexpected envelope: %s", rec.Body.String())
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler()

	p := &Patient{Name: "Jane", PaternalSurname: "Smith"}
	if err := h.svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetPatient_NotFound(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("PAC-nope")

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec, nil)
	if env.Error == nil || env.Error.Kind != "not_found" {
		t.Errorf("unexpected envelope: %s", rec.Body.String())
	}
}

func TestHandler_UpdatePatient(t *testing.T) {
	h, e := newTestHandler()
	p := &Patient{Name: "Jane"}
	h.svc.CreatePatient(context.Background(), p)

	req := httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"phone":"5559876"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(p.ID)

	if err := h.UpdatePatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Patient
	decodeEnvelope(t, rec, &got)
	if rec.Code != http.StatusOK || got.Phone != "5559876" || got.Name != "Jane" {
		t.Errorf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_SearchPatients(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	h.svc.CreatePatient(ctx, &Patient{Name: "Alma", Phone: "555-0101"})
	h.svc.CreatePatient(ctx, &Patient{Name: "Bruno", Phone: "555-0202"})
	h.svc.CreatePatient(ctx, &Patient{Name: "Alba", Phone: "555-0303"})

	tests := []struct {
		query string
		total int
		items int
	}{
		{"", 3, 3},
		{"q=alb", 1, 1},
		{"phone=0202", 1, 1},
		{"limit=1&offset=1", 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/patients?"+tt.query, nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := h.SearchPatients(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var page struct {
				Items []Patient `json:"items"`
				Total int       `json:"total"`
			}
			decodeEnvelope(t, rec, &page)
			if page.Total != tt.total || len(page.Items) != tt.items {
				t.Errorf("expected total=%d items=%d, got total=%d items=%d", tt.total, tt.items, page.Total, len(page.Items))
			}
		})
	}
}

func TestHandler_Doctors(t *testing.T) {
	h, e := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/doctors", strings.NewReader(`{"name":"Laura","first_surname":"Méndez","specialty":"Patología"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.CreateDoctor(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var d Doctor
	decodeEnvelope(t, rec, &d)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(d.ID)
	if err := h.GetDoctor(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/doctors?q=patolog", nil)
	rec = httptest.NewRecorder()
	if err := h.SearchDoctors(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Items []Doctor `json:"items"`
	}
	decodeEnvelope(t, rec, &page)
	if len(page.Items) != 1 || page.Items[0].ID != d.ID {
		t.Errorf("unexpected search result: %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"GET /api/v1/patients":     false,
		"POST /api/v1/patients":    false,
		"GET /api/v1/patients/:id": false,
		"PUT /api/v1/patients/:id": false,
		"GET /api/v1/doctors":      false,
		"POST /api/v1/doctors":     false,
		"GET /api/v1/doctors/:id":  false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("route %s not registered", k)
		}
	}
}
