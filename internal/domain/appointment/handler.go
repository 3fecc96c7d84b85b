package appointment

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Booking and reads – patients see their own, doctors see any
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	readGroup.POST("/appointments", h.Book)
	readGroup.GET("/appointments", h.List)
	readGroup.GET("/appointments/:id", h.Get)
	readGroup.PUT("/appointments/:id/cancel", h.Cancel)

	// Doctor workflow
	doctorGroup := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctorGroup.PUT("/appointments/:id/approve", h.Approve)
	doctorGroup.GET("/doctors/:doctorId/appointments", h.ListForDoctor)
	doctorGroup.GET("/doctors/:doctorId/patients", h.ListDoctorPatients)

	// Administrative
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/appointments/:id", h.Delete)
}

// Book accepts either a JSON body or a multipart form with an optional
// "file" part.
func (h *Handler) Book(c echo.Context) error {
	var in BookInput
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		if err := bindBookingForm(c, &in); err != nil {
			return err
		}
		fh, err := c.FormFile("file")
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case errors.Is(err, apperr.ErrPayloadTooLarge):
			return err
		case err != nil:
			return echo.NewHTTPError(http.StatusBadRequest, "invalid file part: "+err.Error())
		default:
			f, err := fh.Open()
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
			}
			defer f.Close()
			in.Attachment = &Attachment{
				Name:     fh.Filename,
				MimeType: fh.Header.Get(echo.HeaderContentType),
				Content:  f,
			}
		}
	} else if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	if !auth.CanAccessPatient(ctx, strings.TrimSpace(in.PatientID)) {
		return echo.NewHTTPError(http.StatusForbidden, "patients may only book for themselves")
	}
	a, err := h.svc.Book(ctx, in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func bindBookingForm(c echo.Context, in *BookInput) error {
	in.DoctorID = c.FormValue("doctor_id")
	in.PatientID = c.FormValue("patient_id")
	in.DoctorName = c.FormValue("doctor_name")
	in.PatientName = c.FormValue("patient_name")
	in.Gender = c.FormValue("gender")
	in.BloodGroup = c.FormValue("blood_group")
	in.Phone = c.FormValue("phone")
	in.Date = c.FormValue("date")
	in.Time = c.FormValue("time")
	in.Reason = c.FormValue("reason")
	in.Notes = c.FormValue("notes")
	if raw := strings.TrimSpace(c.FormValue("age")); raw != "" {
		age, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "age must be a number")
		}
		in.Age = &age
	}
	return nil
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if !auth.CanAccessPatient(c.Request().Context(), a.PatientID) {
		// Do not reveal that the appointment exists.
		return ErrAppointmentNotFound
	}
	return c.JSON(http.StatusOK, a)
}

// List serves GET /appointments?patient_id=... or ?doctor_id=...
func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if pid := c.QueryParam("patient_id"); pid != "" {
		if !auth.CanAccessPatient(ctx, pid) {
			return echo.NewHTTPError(http.StatusForbidden, "access to this patient's records is not allowed")
		}
		items, total, err := h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
	}
	if did := c.QueryParam("doctor_id"); did != "" {
		if !auth.HasRole(ctx, auth.RoleDoctor) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: doctor")
		}
		items, total, err := h.svc.ListByDoctor(ctx, did, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
	}
	return apperr.Validation("patient_id or doctor_id is required")
}

func (h *Handler) ListForDoctor(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByDoctor(c.Request().Context(), c.Param("doctorId"), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) ListDoctorPatients(c echo.Context) error {
	items, err := h.svc.ListDoctorPatients(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.Approve(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	if !auth.HasRole(ctx, auth.RoleDoctor) {
		current, err := h.svc.Get(ctx, id)
		if err != nil {
			return err
		}
		if !auth.CanAccessPatient(ctx, current.PatientID) {
			return ErrAppointmentNotFound
		}
	}
	a, err := h.svc.Cancel(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
