package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/auth"
)

func newTestHandler() (*Handler, *testEnv, *echo.Echo) {
	env := newTestEnv()
	return NewHandler(env.binder), env, echo.New()
}

func createBody(a *appointment.Appointment) string {
	b, _ := json.Marshal(inputFor(a))
	return string(b)
}

func TestHandler_Create(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.confirmed(t)

	req := httptest.NewRequest(http.MethodPost, "/prescriptions", strings.NewReader(createBody(a)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Create(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/prescriptions", strings.NewReader(createBody(a)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c = e.NewContext(req, httptest.NewRecorder())
	if err := h.Create(c); apperr.HTTPStatus(err) != http.StatusConflict {
		t.Fatalf("expected 409 on second create, got %v", err)
	}
}

func TestHandler_Create_BadJSON(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/prescriptions", strings.NewReader(`{"medicines":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	var he *echo.HTTPError
	if err := h.Create(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetByAppointment(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.confirmed(t)

	get := func(userID, role string) existsResponse {
		t.Helper()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(auth.WithUser(req.Context(), userID, []string{role}))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("appointmentId")
		c.SetParamValues(a.ID.String())
		if err := h.GetByAppointment(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var resp existsResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := get("patient-1", auth.RolePatient); resp.Exists {
		t.Error("expected exists=false before prescribing")
	}
	if _, err := env.binder.CreatePrescription(context.Background(), inputFor(a)); err != nil {
		t.Fatal(err)
	}
	if resp := get("patient-1", auth.RolePatient); !resp.Exists || resp.Prescription == nil {
		t.Error("expected exists=true with prescription")
	}
	if resp := get("patient-2", auth.RolePatient); resp.Exists {
		t.Error("other patients must not see the prescription")
	}
}

func TestHandler_ListStatus(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.confirmed(t)
	env.book(t, nil)
	if _, err := env.binder.CreatePrescription(context.Background(), inputFor(a)); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/doctors/doctor-1/prescription-status", nil), rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("doctor-1")
	if err := h.ListStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var resp struct {
		Data  []AppointmentStatus `json:"data"`
		Total int                 `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Fatalf("expected 2, got %d", resp.Total)
	}
	prescribed := 0
	for _, s := range resp.Data {
		if s.HasPrescription {
			prescribed++
		}
	}
	if prescribed != 1 {
		t.Errorf("expected one prescribed appointment, got %d", prescribed)
	}
}

func TestHandler_ListByPatient(t *testing.T) {
	h, env, e := newTestHandler()
	a := env.confirmed(t)
	if _, err := env.binder.CreatePrescription(context.Background(), inputFor(a)); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/prescriptions/patient/patient-1", nil), rec)
	c.SetParamNames("patientId")
	c.SetParamValues("patient-1")
	if err := h.ListByPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"diagnosis":"Viral fever"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api/v1"))

	want := map[string]bool{
		"POST:/api/v1/prescriptions":                                    false,
		"GET:/api/v1/prescriptions/appointment/:appointmentId":          false,
		"GET:/api/v1/prescriptions/patient/:patientId":                  false,
		"GET:/api/v1/prescriptions/patient/:patientId/doctor/:doctorId": false,
		"GET:/api/v1/doctors/:doctorId/prescription-status":             false,
	}
	for _, r := range e.Routes() {
		if _, ok := want[r.Method+":"+r.Path]; ok {
			want[r.Method+":"+r.Path] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("route %s not registered", k)
		}
	}
}
