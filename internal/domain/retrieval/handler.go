package retrieval

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/blobstore"
)

type Handler struct {
	gw *Gateway
}

func NewHandler(gw *Gateway) *Handler {
	return &Handler{gw: gw}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	readGroup.POST("/files/upload", h.Upload)
	readGroup.GET("/files/view/:key", h.View)
	readGroup.GET("/files/download/:key", h.Download)
	readGroup.GET("/files/info/:key", h.Info)
	readGroup.GET("/reports", h.ListReports, auth.RequirePatientAccess("patient_id"))

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.DELETE("/files/:key", h.Delete)
}

func (h *Handler) View(c echo.Context) error {
	return h.stream(c, h.gw.ViewFile, blobstore.ModeInline, "private, max-age=3600")
}

func (h *Handler) Download(c echo.Context) error {
	return h.stream(c, h.gw.DownloadFile, blobstore.ModeAttachment, "no-cache")
}

type openFunc func(ctx context.Context, key string) (io.ReadCloser, *blobstore.StoredFile, error)

// stream writes the file with its headers. The reader is closed on every
// path, including a client that disconnects mid-copy.
func (h *Handler) stream(c echo.Context, open openFunc, mode blobstore.OpenMode, cacheControl string) error {
	ctx := c.Request().Context()
	rc, f, err := open(ctx, c.Param("key"))
	if err != nil {
		return err
	}
	defer rc.Close()

	if !auth.CanAccessPatient(ctx, f.PatientID) {
		return ErrNoDocument
	}

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentLength, strconv.FormatInt(f.SizeBytes, 10))
	hdr.Set(echo.HeaderContentDisposition, mode.ContentDisposition(f.OriginalName))
	hdr.Set("Cache-Control", cacheControl)
	hdr.Set("X-Content-Type-Options", "nosniff")
	return c.Stream(http.StatusOK, f.MimeType, rc)
}

func (h *Handler) Info(c echo.Context) error {
	ctx := c.Request().Context()
	f, err := h.gw.FileInfo(ctx, c.Param("key"))
	if err != nil {
		return err
	}
	if !auth.CanAccessPatient(ctx, f.PatientID) {
		return ErrNoDocument
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.gw.DeleteFile(c.Request().Context(), c.Param("key")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListReports(c echo.Context) error {
	files, err := h.gw.ListFilesForPatient(c.Request().Context(),
		c.QueryParam("patient_id"), c.QueryParam("doctor_id"), c.QueryParam("date"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": files, "total": len(files)})
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if errors.Is(err, apperr.ErrPayloadTooLarge) {
		return err
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	ctx := c.Request().Context()
	patientID := c.FormValue("patient_id")
	if !auth.CanAccessPatient(ctx, patientID) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this patient's records is not allowed")
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "cannot read uploaded file")
	}
	defer src.Close()

	f, err := h.gw.Upload(ctx, src, blobstore.Metadata{
		OriginalName:    fh.Filename,
		MimeType:        fh.Header.Get(echo.HeaderContentType),
		PatientID:       patientID,
		DoctorID:        c.FormValue("doctor_id"),
		PatientName:     c.FormValue("patient_name"),
		DoctorName:      c.FormValue("doctor_name"),
		AppointmentDate: c.FormValue("appointment_date"),
		UploadedBy:      uploaderRole(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, f)
}

func uploaderRole(c echo.Context) string {
	ctx := c.Request().Context()
	for _, r := range auth.RolesFromContext(ctx) {
		switch r {
		case auth.RoleAdmin:
			return blobstore.UploadedByAdmin
		case auth.RoleDoctor:
			return blobstore.UploadedByDoctor
		}
	}
	return blobstore.UploadedByPatient
}
