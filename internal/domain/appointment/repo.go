package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// errNoMatch is returned by Repository.Transition when the conditional update
// matched no row: the appointment is missing or not in an allowed source state.
var errNoMatch = errors.New("appointment: no row matched transition")

type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error)
	ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Appointment, int, error)
	ListDoctorPatients(ctx context.Context, doctorID string) ([]*PatientSummary, error)
	// Transition moves id to `to` only if its current status is in from, in a
	// single conditional write. prescriptionID, when non-nil, is stored as the
	// back-reference in the same write.
	Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, prescriptionID *uuid.UUID) (*Appointment, error)
	// Delete removes the row and returns it as it was.
	Delete(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// FileKeyReferenced reports whether any appointment points at key.
	FileKeyReferenced(ctx context.Context, key string) (bool, error)
}
