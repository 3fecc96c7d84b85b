// Package retrieval serves stored clinical files to patient and doctor views.
package retrieval

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/events"
)

// ErrNoDocument is returned for any key the object store does not know.
var ErrNoDocument = apperr.New(apperr.KindNotFound, "no document available")

// Files is the object store surface the gateway uses.
type Files interface {
	Put(ctx context.Context, content io.Reader, meta blobstore.Metadata) (*blobstore.StoredFile, error)
	OpenRead(ctx context.Context, key string, mode blobstore.OpenMode) (io.ReadCloser, *blobstore.StoredFile, error)
	Stat(ctx context.Context, key string) (*blobstore.StoredFile, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, q blobstore.Query) ([]*blobstore.StoredFile, error)
}

// Gateway holds no state of its own; every call goes to the store.
type Gateway struct {
	files  Files
	events events.Publisher
	logger zerolog.Logger
}

func NewGateway(files Files, pub events.Publisher, logger zerolog.Logger) *Gateway {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gateway{
		files:  files,
		events: pub,
		logger: logger.With().Str("component", "retrieval").Logger(),
	}
}

// ListFilesForPatient returns the patient's files, newest first. doctorID and
// date narrow the result when non-empty.
func (g *Gateway) ListFilesForPatient(ctx context.Context, patientID, doctorID, date string) ([]*blobstore.StoredFile, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	date = strings.TrimSpace(date)
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, apperr.Validation("date must be YYYY-MM-DD")
		}
	}
	return g.files.List(ctx, blobstore.Query{
		PatientID:       patientID,
		DoctorID:        strings.TrimSpace(doctorID),
		AppointmentDate: date,
	})
}

// ViewFile opens key for inline display. The caller closes the reader.
func (g *Gateway) ViewFile(ctx context.Context, key string) (io.ReadCloser, *blobstore.StoredFile, error) {
	return g.open(ctx, key, blobstore.ModeInline)
}

// DownloadFile opens key as an attachment. The caller closes the reader.
func (g *Gateway) DownloadFile(ctx context.Context, key string) (io.ReadCloser, *blobstore.StoredFile, error) {
	return g.open(ctx, key, blobstore.ModeAttachment)
}

func (g *Gateway) open(ctx context.Context, key string, mode blobstore.OpenMode) (io.ReadCloser, *blobstore.StoredFile, error) {
	rc, f, err := g.files.OpenRead(ctx, key, mode)
	if err != nil {
		return nil, nil, noDocument(err)
	}
	return rc, f, nil
}

func (g *Gateway) FileInfo(ctx context.Context, key string) (*blobstore.StoredFile, error) {
	f, err := g.files.Stat(ctx, key)
	if err != nil {
		return nil, noDocument(err)
	}
	return f, nil
}

func (g *Gateway) DeleteFile(ctx context.Context, key string) error {
	f, err := g.files.Stat(ctx, key)
	if err != nil {
		return noDocument(err)
	}
	if err := g.files.Delete(ctx, key); err != nil {
		return noDocument(err)
	}
	g.publish(ctx, events.FileDeleted, f)
	return nil
}

// Upload stores a file outside of booking, e.g. a report a doctor attaches
// later.
func (g *Gateway) Upload(ctx context.Context, content io.Reader, meta blobstore.Metadata) (*blobstore.StoredFile, error) {
	if strings.TrimSpace(meta.PatientID) == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	f, err := g.files.Put(ctx, content, meta)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.FileUploaded, f)
	return f, nil
}

func (g *Gateway) publish(ctx context.Context, t events.Type, f *blobstore.StoredFile) {
	e := events.New(t)
	e.PatientID = f.PatientID
	e.DoctorID = f.DoctorID
	e.FileKey = f.Key
	if err := g.events.Publish(ctx, e); err != nil {
		g.logger.Warn().Err(err).Str("event_type", string(t)).Msg("file event not delivered")
	}
}

func noDocument(err error) error {
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return ErrNoDocument
	}
	return err
}
