package appointment

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
)

var ErrAppointmentNotFound = apperr.New(apperr.KindNotFound, "appointment not found")

// FileStore is the part of the object store booking needs.
type FileStore interface {
	Put(ctx context.Context, content io.Reader, meta blobstore.Metadata) (*blobstore.StoredFile, error)
	Delete(ctx context.Context, key string) error
}

type Service struct {
	repo    Repository
	files   FileStore
	events  events.Publisher
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewService(repo Repository, files FileStore, pub events.Publisher, m *metrics.Collector, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Service{
		repo:    repo,
		files:   files,
		events:  pub,
		metrics: m,
		logger:  logger.With().Str("component", "appointment").Logger(),
	}
}

// -- Booking --

func normalize(in *BookInput) {
	in.DoctorID = strings.TrimSpace(in.DoctorID)
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.Date = strings.TrimSpace(in.Date)
	in.Time = strings.TrimSpace(in.Time)
	in.Reason = strings.TrimSpace(in.Reason)
	in.Notes = strings.TrimSpace(in.Notes)
	in.DoctorName = strings.TrimSpace(in.DoctorName)
	in.PatientName = strings.TrimSpace(in.PatientName)
}

func validateBooking(in *BookInput) error {
	switch {
	case in.DoctorID == "":
		return apperr.Validation("doctor_id is required")
	case in.PatientID == "":
		return apperr.Validation("patient_id is required")
	case in.Date == "":
		return apperr.Validation("date is required")
	case in.Time == "":
		return apperr.Validation("time is required")
	case in.Reason == "":
		return apperr.Validation("reason is required")
	}
	if _, err := time.Parse(DateLayout, in.Date); err != nil {
		return apperr.Validation("date must be YYYY-MM-DD")
	}
	if in.Age != nil && (*in.Age < 0 || *in.Age > 150) {
		return apperr.Validation("age must be between 0 and 150")
	}
	return checkWidths(in)
}

// checkWidths keeps every field within its appointment column.
func checkWidths(in *BookInput) error {
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"doctor_id", in.DoctorID, 64},
		{"patient_id", in.PatientID, 64},
		{"doctor_name", in.DoctorName, 255},
		{"patient_name", in.PatientName, 255},
		{"gender", in.Gender, 32},
		{"blood_group", in.BloodGroup, 8},
		{"phone", in.Phone, 32},
		{"time", in.Time, 32},
	} {
		if err := apperr.TooLong(f.name, f.value, f.max); err != nil {
			return err
		}
	}
	if in.Attachment != nil {
		return apperr.TooLong("file name", in.Attachment.Name, 255)
	}
	return nil
}

// Book creates a Pending appointment. A rejected attachment fails the whole
// booking; if the insert fails after the file was stored, the file is removed.
func (s *Service) Book(ctx context.Context, in BookInput) (*Appointment, error) {
	normalize(&in)
	if err := validateBooking(&in); err != nil {
		return nil, err
	}

	a := &Appointment{
		DoctorID:    in.DoctorID,
		PatientID:   in.PatientID,
		DoctorName:  in.DoctorName,
		PatientName: in.PatientName,
		Age:         in.Age,
		Gender:      in.Gender,
		BloodGroup:  in.BloodGroup,
		Phone:       in.Phone,
		Date:        in.Date,
		Time:        in.Time,
		Reason:      in.Reason,
		Notes:       in.Notes,
		Status:      StatusPending,
	}

	var stored *blobstore.StoredFile
	if att := in.Attachment; att != nil {
		meta := blobstore.Metadata{
			OriginalName:    att.Name,
			MimeType:        att.MimeType,
			PatientID:       in.PatientID,
			DoctorID:        in.DoctorID,
			PatientName:     in.PatientName,
			DoctorName:      in.DoctorName,
			AppointmentDate: in.Date,
			UploadedBy:      blobstore.UploadedByPatient,
			Origin:          blobstore.OriginBooking,
		}
		f, err := s.files.Put(ctx, att.Content, meta)
		if err != nil {
			return nil, err
		}
		stored = f
		a.FileKey = &f.Key
		a.OriginalFileName = f.OriginalName
	}

	if err := s.repo.Create(ctx, a); err != nil {
		if stored != nil {
			if delErr := s.files.Delete(context.WithoutCancel(ctx), stored.Key); delErr != nil {
				s.logger.Error().Err(delErr).Str("file_key", stored.Key).Msg("failed to remove file after booking insert failure")
			}
		}
		return nil, apperr.StorageIO(err, "create appointment")
	}

	s.metrics.RecordTransition(string(StatusPending), metrics.OutcomeOK)
	s.logger.Info().
		Str("appointment_id", a.ID.String()).
		Str("doctor_id", a.DoctorID).
		Bool("has_file", a.HasFile).
		Msg("appointment booked")
	s.publish(ctx, events.AppointmentBooked, a)
	return a, nil
}

// -- Transitions --

// Approve moves Pending to Confirmed. Approving twice is an error.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.transition(ctx, id, StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.AppointmentApproved, a)
	return a, nil
}

// Cancel moves Pending or Confirmed to Cancelled.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.transition(ctx, id, StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.AppointmentCancelled, a)
	return a, nil
}

// Complete moves Confirmed to Completed and records the prescription. It runs
// inside the prescription binder's unit of work, so it publishes nothing; the
// binder announces completion once the work has committed.
func (s *Service) Complete(ctx context.Context, id, prescriptionID uuid.UUID) (*Appointment, error) {
	if prescriptionID == uuid.Nil {
		return nil, apperr.Validation("prescription id is required")
	}
	return s.transition(ctx, id, StatusCompleted, &prescriptionID)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, prescriptionID *uuid.UUID) (*Appointment, error) {
	a, err := s.repo.Transition(ctx, id, sourcesOf(to), to, prescriptionID)
	if err == nil {
		s.metrics.RecordTransition(string(to), metrics.OutcomeOK)
		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("status", string(to)).
			Msg("appointment status changed")
		return a, nil
	}
	if !errors.Is(err, errNoMatch) {
		s.metrics.RecordTransition(string(to), metrics.OutcomeError)
		return nil, apperr.StorageIO(err, "update appointment status")
	}

	current, getErr := s.repo.GetByID(ctx, id)
	if getErr != nil {
		if errors.Is(getErr, ErrAppointmentNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, apperr.StorageIO(getErr, "read appointment")
	}
	s.metrics.RecordTransition(string(to), string(apperr.KindInvalidTransition))
	return nil, apperr.New(apperr.KindInvalidTransition,
		"cannot move appointment from %s to %s", current.Status, to)
}

// -- Reads --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, apperr.StorageIO(err, "read appointment")
	}
	return a, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	items, total, err := s.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.StorageIO(err, "list appointments")
	}
	return items, total, nil
}

func (s *Service) ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Appointment, int, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, 0, apperr.Validation("doctor_id is required")
	}
	items, total, err := s.repo.ListByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, 0, apperr.StorageIO(err, "list appointments")
	}
	return items, total, nil
}

// ListDoctorPatients returns each patient the doctor has seen once, most
// recently booked first.
func (s *Service) ListDoctorPatients(ctx context.Context, doctorID string) ([]*PatientSummary, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, apperr.Validation("doctor_id is required")
	}
	items, err := s.repo.ListDoctorPatients(ctx, doctorID)
	if err != nil {
		return nil, apperr.StorageIO(err, "list patients")
	}
	return items, nil
}

// FileKeyReferenced is used by the reconciliation sweep.
func (s *Service) FileKeyReferenced(ctx context.Context, key string) (bool, error) {
	ok, err := s.repo.FileKeyReferenced(ctx, key)
	if err != nil {
		return false, apperr.StorageIO(err, "check file reference")
	}
	return ok, nil
}

// -- Administrative delete --

// Delete removes the appointment and the file it references, unless another
// appointment still points at the same key.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	a, err := s.repo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return ErrAppointmentNotFound
		}
		return apperr.StorageIO(err, "delete appointment")
	}
	s.logger.Info().Str("appointment_id", id.String()).Msg("appointment deleted")
	s.publish(ctx, events.AppointmentDeleted, a)

	if !a.HasFile {
		return nil
	}
	key := *a.FileKey
	shared, err := s.repo.FileKeyReferenced(ctx, key)
	if err != nil {
		return apperr.StorageIO(err, "check file reference")
	}
	if shared {
		return nil
	}
	if err := s.files.Delete(ctx, key); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
		s.logger.Error().Err(err).Str("file_key", key).Msg("appointment deleted but file removal failed")
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, t events.Type, a *Appointment) {
	e := events.New(t)
	e.AppointmentID = a.ID.String()
	e.PatientID = a.PatientID
	e.DoctorID = a.DoctorID
	e.Status = string(a.Status)
	if a.PrescriptionID != nil {
		e.PrescriptionID = a.PrescriptionID.String()
	}
	if a.FileKey != nil {
		e.FileKey = *a.FileKey
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(t)).Msg("lifecycle event not delivered")
	}
}

// Publish announces an event for a (used by the binder after commit).
func (s *Service) Publish(ctx context.Context, t events.Type, a *Appointment) {
	s.publish(ctx, t, a)
}
