package prescription

import (
	"time"

	"github.com/google/uuid"
)

// Medicine is one line of a prescription. Order is preserved.
type Medicine struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions,omitempty"`
}

// Prescription is immutable once created.
type Prescription struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	AppointmentID     uuid.UUID  `db:"appointment_id" json:"appointment_id"`
	DoctorID          string     `db:"doctor_id" json:"doctor_id"`
	PatientID         string     `db:"patient_id" json:"patient_id"`
	DoctorName        string     `db:"doctor_name" json:"doctor_name,omitempty"`
	PatientName       string     `db:"patient_name" json:"patient_name,omitempty"`
	PatientAge        *int       `db:"patient_age" json:"patient_age,omitempty"`
	PatientGender     string     `db:"patient_gender" json:"patient_gender,omitempty"`
	PatientBloodGroup string     `db:"patient_blood_group" json:"patient_blood_group,omitempty"`
	PatientPhone      string     `db:"patient_phone" json:"patient_phone,omitempty"`
	Diagnosis         string     `db:"diagnosis" json:"diagnosis"`
	Symptoms          []string   `db:"symptoms" json:"symptoms"`
	Medicines         []Medicine `db:"medicines" json:"medicines"`
	Tests             []string   `db:"tests" json:"tests"`
	Advice            string     `db:"advice" json:"advice,omitempty"`
	NextVisit         *string    `db:"next_visit" json:"next_visit,omitempty"`
	PrescriptionDate  time.Time  `db:"prescription_date" json:"prescription_date"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
}

// CreateInput is the prescription intake.
type CreateInput struct {
	AppointmentID uuid.UUID  `json:"appointment_id"`
	DoctorID      string     `json:"doctor_id"`
	PatientID     string     `json:"patient_id"`
	Diagnosis     string     `json:"diagnosis"`
	Symptoms      []string   `json:"symptoms"`
	Medicines     []Medicine `json:"medicines"`
	Tests         []string   `json:"tests"`
	Advice        string     `json:"advice"`
	NextVisit     string     `json:"next_visit"`
}

// AppointmentStatus pairs a doctor's appointment with whether it has a
// prescription yet.
type AppointmentStatus struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name,omitempty"`
	Date            string    `json:"date"`
	Time            string    `json:"time"`
	Status          string    `json:"status"`
	HasPrescription bool      `json:"has_prescription"`
}
