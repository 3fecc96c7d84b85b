package prescription

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	binder *Binder
}

func NewHandler(b *Binder) *Handler {
	return &Handler{binder: b}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Doctor writes
	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	writeGroup.POST("/prescriptions", h.Create)
	writeGroup.GET("/doctors/:doctorId/prescription-status", h.ListStatus)

	// Reads – patients only see their own
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	readGroup.GET("/prescriptions/:id", h.Get)
	readGroup.GET("/prescriptions/appointment/:appointmentId", h.GetByAppointment)
	readGroup.GET("/prescriptions/patient/:patientId", h.ListByPatient, auth.RequirePatientAccess("patientId"))
	readGroup.GET("/prescriptions/patient/:patientId/doctor/:doctorId", h.ListByPatientAndDoctor, auth.RequirePatientAccess("patientId"))
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.binder.CreatePrescription(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.binder.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !auth.CanAccessPatient(c.Request().Context(), p.PatientID) {
		return ErrPrescriptionNotFound
	}
	return c.JSON(http.StatusOK, p)
}

type existsResponse struct {
	Exists       bool          `json:"exists"`
	Prescription *Prescription `json:"prescription,omitempty"`
}

// GetByAppointment answers whether the appointment has a prescription, and
// returns it when it does.
func (h *Handler) GetByAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("appointmentId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid appointment id")
	}
	p, err := h.binder.GetByAppointment(c.Request().Context(), id)
	if errors.Is(err, ErrPrescriptionNotFound) {
		return c.JSON(http.StatusOK, existsResponse{Exists: false})
	}
	if err != nil {
		return err
	}
	if !auth.CanAccessPatient(c.Request().Context(), p.PatientID) {
		return c.JSON(http.StatusOK, existsResponse{Exists: false})
	}
	return c.JSON(http.StatusOK, existsResponse{Exists: true, Prescription: p})
}

func (h *Handler) ListByPatient(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.binder.ListByPatient(c.Request().Context(), c.Param("patientId"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ListByPatientAndDoctor(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.binder.ListByPatientAndDoctor(c.Request().Context(),
		c.Param("patientId"), c.Param("doctorId"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ListStatus(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.binder.ListPrescriptionStatus(c.Request().Context(), c.Param("doctorId"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}
