package appointment

import (
	"io"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// transitions lists the allowed edges. Completed and Cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every status that may move to `to`.
func sourcesOf(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled} {
		if s.CanTransitionTo(to) {
			from = append(from, s)
		}
	}
	return from
}

// DateLayout is the accepted appointment date format.
const DateLayout = "2006-01-02"

type Appointment struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	DoctorID         string     `db:"doctor_id" json:"doctor_id"`
	PatientID        string     `db:"patient_id" json:"patient_id"`
	DoctorName       string     `db:"doctor_name" json:"doctor_name,omitempty"`
	PatientName      string     `db:"patient_name" json:"patient_name,omitempty"`
	Age              *int       `db:"age" json:"age,omitempty"`
	Gender           string     `db:"gender" json:"gender,omitempty"`
	BloodGroup       string     `db:"blood_group" json:"blood_group,omitempty"`
	Phone            string     `db:"phone" json:"phone,omitempty"`
	Date             string     `db:"appointment_date" json:"date"`
	Time             string     `db:"appointment_time" json:"time"`
	Reason           string     `db:"reason" json:"reason"`
	Notes            string     `db:"notes" json:"notes,omitempty"`
	FileKey          *string    `db:"file_key" json:"file_key,omitempty"`
	OriginalFileName string     `db:"original_file_name" json:"original_file_name,omitempty"`
	HasFile          bool       `db:"-" json:"has_file"`
	Status           Status     `db:"status" json:"status"`
	PrescriptionID   *uuid.UUID `db:"prescription_id" json:"prescription_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) derive() {
	a.HasFile = a.FileKey != nil && *a.FileKey != ""
}

// PatientSummary is one row of a doctor's patient list.
type PatientSummary struct {
	PatientID        string    `json:"patient_id"`
	PatientName      string    `json:"patient_name,omitempty"`
	Age              *int      `json:"age,omitempty"`
	Gender           string    `json:"gender,omitempty"`
	BloodGroup       string    `json:"blood_group,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	LastVisitDate    string    `json:"last_visit_date"`
	LastBookedAt     time.Time `json:"last_booked_at"`
	AppointmentCount int       `json:"appointment_count"`
}

// Attachment is the optional file carried by a booking.
type Attachment struct {
	Name     string
	MimeType string
	Content  io.Reader
}

// BookInput is the booking intake.
type BookInput struct {
	DoctorID    string `json:"doctor_id" form:"doctor_id"`
	PatientID   string `json:"patient_id" form:"patient_id"`
	DoctorName  string `json:"doctor_name" form:"doctor_name"`
	PatientName string `json:"patient_name" form:"patient_name"`
	Age         *int   `json:"age" form:"age"`
	Gender      string `json:"gender" form:"gender"`
	BloodGroup  string `json:"blood_group" form:"blood_group"`
	Phone       string `json:"phone" form:"phone"`
	Date        string `json:"date" form:"date"`
	Time        string `json:"time" form:"time"`
	Reason      string `json:"reason" form:"reason"`
	Notes       string `json:"notes" form:"notes"`

	Attachment *Attachment `json:"-" form:"-"`
}
