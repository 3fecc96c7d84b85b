package prescription

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts p. A second prescription for the same appointment fails
	// with ErrPrescriptionExists.
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Prescription, error)
	Exists(ctx context.Context, appointmentID uuid.UUID) (bool, error)
	ExistsForAppointments(ctx context.Context, appointmentIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error)
	ListByPatientAndDoctor(ctx context.Context, patientID, doctorID string, limit, offset int) ([]*Prescription, int, error)
	// ListUnbound returns prescriptions whose appointment may not point back at
	// them. Callers verify each candidate before acting on it.
	ListUnbound(ctx context.Context) ([]*Prescription, error)
}
