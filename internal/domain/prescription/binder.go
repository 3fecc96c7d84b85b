package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
)

var (
	ErrPrescriptionNotFound = apperr.New(apperr.KindNotFound, "prescription not found")
	ErrPrescriptionExists   = apperr.New(apperr.KindConflict, "a prescription already exists for this appointment")
)

// InconsistencyError reports a prescription that was stored while the
// appointment it belongs to could not be completed. The reconciler repairs it.
type InconsistencyError struct {
	PrescriptionID uuid.UUID
	AppointmentID  uuid.UUID
	Err            error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("prescription %s stored but appointment %s not completed: %v",
		e.PrescriptionID, e.AppointmentID, e.Err)
}

// Unwrap classifies the partial write as a storage failure whatever the
// cause was, so a guard error from Complete does not surface as a 409.
func (e *InconsistencyError) Unwrap() error {
	return apperr.StorageIO(e.Err, "prescription stored but appointment not completed")
}

// Appointments is what the binder needs from the appointment service.
type Appointments interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id, prescriptionID uuid.UUID) (*appointment.Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*appointment.Appointment, int, error)
	Publish(ctx context.Context, t events.Type, a *appointment.Appointment)
}

// Binder attaches prescriptions to appointments. Creating a prescription is
// the only way an appointment becomes Completed.
type Binder struct {
	repo         Repository
	appointments Appointments
	tx           db.Transactor
	events       events.Publisher
	metrics      *metrics.Collector
	logger       zerolog.Logger
}

func NewBinder(repo Repository, appts Appointments, tx db.Transactor, pub events.Publisher, m *metrics.Collector, logger zerolog.Logger) *Binder {
	if tx == nil {
		tx = db.SequentialTransactor{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Binder{
		repo:         repo,
		appointments: appts,
		tx:           tx,
		events:       pub,
		metrics:      m,
		logger:       logger.With().Str("component", "prescription").Logger(),
	}
}

func validateCreate(in *CreateInput) error {
	in.DoctorID = strings.TrimSpace(in.DoctorID)
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.Diagnosis = strings.TrimSpace(in.Diagnosis)
	in.Advice = strings.TrimSpace(in.Advice)
	in.NextVisit = strings.TrimSpace(in.NextVisit)

	switch {
	case in.AppointmentID == uuid.Nil:
		return apperr.Validation("appointment_id is required")
	case in.DoctorID == "":
		return apperr.Validation("doctor_id is required")
	case in.PatientID == "":
		return apperr.Validation("patient_id is required")
	case in.Diagnosis == "":
		return apperr.Validation("diagnosis is required")
	case len(in.Medicines) == 0:
		return apperr.Validation("at least one medicine is required")
	}
	for i := range in.Medicines {
		m := &in.Medicines[i]
		m.Name = strings.TrimSpace(m.Name)
		m.Dosage = strings.TrimSpace(m.Dosage)
		m.Frequency = strings.TrimSpace(m.Frequency)
		m.Duration = strings.TrimSpace(m.Duration)
		m.Instructions = strings.TrimSpace(m.Instructions)
		if m.Name == "" || m.Dosage == "" || m.Frequency == "" || m.Duration == "" {
			return apperr.Validation("medicine %d: name, dosage, frequency and duration are required", i+1)
		}
	}
	if in.NextVisit != "" {
		if _, err := time.Parse(appointment.DateLayout, in.NextVisit); err != nil {
			return apperr.Validation("next_visit must be YYYY-MM-DD")
		}
	}
	if err := apperr.TooLong("doctor_id", in.DoctorID, 64); err != nil {
		return err
	}
	return apperr.TooLong("patient_id", in.PatientID, 64)
}

// CreatePrescription stores the prescription and completes its appointment
// in one unit of work.
func (b *Binder) CreatePrescription(ctx context.Context, in CreateInput) (*Prescription, error) {
	if err := validateCreate(&in); err != nil {
		b.metrics.RecordPrescription(string(apperr.KindValidation))
		return nil, err
	}

	appt, err := b.appointments.Get(ctx, in.AppointmentID)
	if err != nil {
		return nil, b.fail(err)
	}
	if appt.DoctorID != in.DoctorID || appt.PatientID != in.PatientID {
		return nil, b.fail(apperr.Validation("doctor_id and patient_id must match the appointment"))
	}
	exists, err := b.repo.Exists(ctx, in.AppointmentID)
	if err != nil {
		return nil, b.fail(apperr.StorageIO(err, "check prescription"))
	}
	if exists {
		return nil, b.fail(ErrPrescriptionExists)
	}
	if appt.Status != appointment.StatusConfirmed {
		return nil, b.fail(apperr.New(apperr.KindInvalidTransition,
			"appointment is %s; only Confirmed appointments can receive a prescription", appt.Status))
	}

	p := &Prescription{
		ID:                uuid.New(),
		AppointmentID:     appt.ID,
		DoctorID:          in.DoctorID,
		PatientID:         in.PatientID,
		DoctorName:        appt.DoctorName,
		PatientName:       appt.PatientName,
		PatientAge:        appt.Age,
		PatientGender:     appt.Gender,
		PatientBloodGroup: appt.BloodGroup,
		PatientPhone:      appt.Phone,
		Diagnosis:         in.Diagnosis,
		Symptoms:          nonNil(in.Symptoms),
		Medicines:         in.Medicines,
		Tests:             nonNil(in.Tests),
		Advice:            in.Advice,
	}
	if in.NextVisit != "" {
		nv := in.NextVisit
		p.NextVisit = &nv
	}

	var completed *appointment.Appointment
	inserted := false
	err = b.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := b.repo.Create(ctx, p); err != nil {
			if errors.Is(err, ErrPrescriptionExists) {
				return ErrPrescriptionExists
			}
			return apperr.StorageIO(err, "insert prescription")
		}
		inserted = true
		a, err := b.appointments.Complete(ctx, appt.ID, p.ID)
		if err != nil {
			return err
		}
		completed = a
		return nil
	})
	if err != nil {
		if inserted && !b.tx.Atomic() {
			b.metrics.RecordInconsistency("prescription")
			b.metrics.RecordPrescription("inconsistent")
			b.logger.Error().Err(err).
				Str("prescription_id", p.ID.String()).
				Str("appointment_id", appt.ID.String()).
				Msg("prescription stored but appointment completion failed; reconciliation required")
			return nil, &InconsistencyError{PrescriptionID: p.ID, AppointmentID: appt.ID, Err: err}
		}
		return nil, b.fail(err)
	}

	b.metrics.RecordPrescription(metrics.OutcomeOK)
	b.logger.Info().
		Str("prescription_id", p.ID.String()).
		Str("appointment_id", appt.ID.String()).
		Int("medicines", len(p.Medicines)).
		Msg("prescription created")

	e := events.New(events.PrescriptionCreated)
	e.AppointmentID = appt.ID.String()
	e.PatientID = p.PatientID
	e.DoctorID = p.DoctorID
	e.PrescriptionID = p.ID.String()
	if err := b.events.Publish(ctx, e); err != nil {
		b.logger.Warn().Err(err).Msg("prescription event not delivered")
	}
	b.appointments.Publish(ctx, events.AppointmentCompleted, completed)
	return p, nil
}

func (b *Binder) fail(err error) error {
	b.metrics.RecordPrescription(string(apperr.KindOf(err)))
	return err
}

// HasPrescription reads the committed state on every call.
func (b *Binder) HasPrescription(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	ok, err := b.repo.Exists(ctx, appointmentID)
	if err != nil {
		return false, apperr.StorageIO(err, "check prescription")
	}
	return ok, nil
}

func (b *Binder) Get(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := b.repo.GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "read prescription")
	}
	return p, nil
}

func (b *Binder) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Prescription, error) {
	p, err := b.repo.GetByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, notFoundOr(err, "read prescription")
	}
	return p, nil
}

func (b *Binder) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, 0, apperr.Validation("patient_id is required")
	}
	items, total, err := b.repo.ListByPatient(ctx, patientID, limit, offset)
	if err != nil {
		return nil, 0, apperr.StorageIO(err, "list prescriptions")
	}
	return items, total, nil
}

func (b *Binder) ListByPatientAndDoctor(ctx context.Context, patientID, doctorID string, limit, offset int) ([]*Prescription, int, error) {
	if strings.TrimSpace(patientID) == "" || strings.TrimSpace(doctorID) == "" {
		return nil, 0, apperr.Validation("patient_id and doctor_id are required")
	}
	items, total, err := b.repo.ListByPatientAndDoctor(ctx, patientID, doctorID, limit, offset)
	if err != nil {
		return nil, 0, apperr.StorageIO(err, "list prescriptions")
	}
	return items, total, nil
}

// ListPrescriptionStatus returns a page of the doctor's appointments, each
// flagged with whether a prescription exists.
func (b *Binder) ListPrescriptionStatus(ctx context.Context, doctorID string, limit, offset int) ([]*AppointmentStatus, int, error) {
	appts, total, err := b.appointments.ListByDoctor(ctx, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]uuid.UUID, len(appts))
	for i, a := range appts {
		ids[i] = a.ID
	}
	has, err := b.repo.ExistsForAppointments(ctx, ids)
	if err != nil {
		return nil, 0, apperr.StorageIO(err, "check prescriptions")
	}

	out := make([]*AppointmentStatus, len(appts))
	for i, a := range appts {
		out[i] = &AppointmentStatus{
			AppointmentID:   a.ID,
			PatientID:       a.PatientID,
			PatientName:     a.PatientName,
			Date:            a.Date,
			Time:            a.Time,
			Status:          string(a.Status),
			HasPrescription: has[a.ID],
		}
	}
	return out, total, nil
}

// ListUnbound exposes repair candidates to the reconciler.
func (b *Binder) ListUnbound(ctx context.Context) ([]*Prescription, error) {
	items, err := b.repo.ListUnbound(ctx)
	if err != nil {
		return nil, apperr.StorageIO(err, "list prescriptions")
	}
	return items, nil
}

func notFoundOr(err error, op string) error {
	if errors.Is(err, ErrPrescriptionNotFound) {
		return ErrPrescriptionNotFound
	}
	return apperr.StorageIO(err, op)
}
