package prescription

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
)

// uniqueAppointmentConstraint names the UNIQUE (appointment_id) constraint in
// the prescription table.
const uniqueAppointmentConstraint = "prescription_appointment_id_key"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const rxCols = `p.id, p.appointment_id, p.doctor_id, p.patient_id, COALESCE(p.doctor_name, ''),
	COALESCE(p.patient_name, ''), p.patient_age, COALESCE(p.patient_gender, ''),
	COALESCE(p.patient_blood_group, ''), COALESCE(p.patient_phone, ''), p.diagnosis,
	p.symptoms, p.medicines, p.tests, COALESCE(p.advice, ''), p.next_visit::text,
	p.prescription_date, p.created_at`

func (r *repoPG) scanRx(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var symptoms, medicines, tests []byte
	err := row.Scan(&p.ID, &p.AppointmentID, &p.DoctorID, &p.PatientID, &p.DoctorName,
		&p.PatientName, &p.PatientAge, &p.PatientGender,
		&p.PatientBloodGroup, &p.PatientPhone, &p.Diagnosis,
		&symptoms, &medicines, &tests, &p.Advice, &p.NextVisit,
		&p.PrescriptionDate, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(symptoms, &p.Symptoms); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(medicines, &p.Medicines); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tests, &p.Tests); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Prescription) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	symptoms, err := json.Marshal(nonNil(p.Symptoms))
	if err != nil {
		return err
	}
	medicines, err := json.Marshal(p.Medicines)
	if err != nil {
		return err
	}
	tests, err := json.Marshal(nonNil(p.Tests))
	if err != nil {
		return err
	}

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescription (id, appointment_id, doctor_id, patient_id, doctor_name,
			patient_name, patient_age, patient_gender, patient_blood_group, patient_phone,
			diagnosis, symptoms, medicines, tests, advice, next_visit)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16::date)
		RETURNING prescription_date, created_at`,
		p.ID, p.AppointmentID, p.DoctorID, p.PatientID, nullable(p.DoctorName),
		nullable(p.PatientName), p.PatientAge, nullable(p.PatientGender),
		nullable(p.PatientBloodGroup), nullable(p.PatientPhone),
		p.Diagnosis, symptoms, medicines, tests, nullable(p.Advice), p.NextVisit,
	).Scan(&p.PrescriptionDate, &p.CreatedAt)
	if db.IsUniqueViolation(err, uniqueAppointmentConstraint) {
		return ErrPrescriptionExists
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := r.scanRx(r.conn(ctx).QueryRow(ctx, `SELECT `+rxCols+` FROM prescription p WHERE p.id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrPrescriptionNotFound
	}
	return p, err
}

func (r *repoPG) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Prescription, error) {
	p, err := r.scanRx(r.conn(ctx).QueryRow(ctx,
		`SELECT `+rxCols+` FROM prescription p WHERE p.appointment_id = $1`, appointmentID))
	if db.IsNoRows(err) {
		return nil, ErrPrescriptionNotFound
	}
	return p, err
}

func (r *repoPG) Exists(ctx context.Context, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescription WHERE appointment_id = $1)`, appointmentID).Scan(&exists)
	return exists, err
}

func (r *repoPG) ExistsForAppointments(ctx context.Context, appointmentIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(appointmentIDs))
	if len(appointmentIDs) == 0 {
		return out, nil
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT appointment_id FROM prescription WHERE appointment_id = ANY($1)`, appointmentIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Prescription, int, error) {
	return r.list(ctx, `p.patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *repoPG) ListByPatientAndDoctor(ctx context.Context, patientID, doctorID string, limit, offset int) ([]*Prescription, int, error) {
	return r.list(ctx, `p.patient_id = $1 AND p.doctor_id = $2`, []interface{}{patientID, doctorID}, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescription p WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := `SELECT ` + rxCols + ` FROM prescription p WHERE ` + where +
		` ORDER BY p.created_at DESC, p.seq DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *repoPG) ListUnbound(ctx context.Context) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+rxCols+`
		FROM prescription p
		JOIN appointment a ON a.id = p.appointment_id
		WHERE a.prescription_id IS DISTINCT FROM p.id OR a.status <> 'Completed'
		ORDER BY p.seq`)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *repoPG) collect(rows pgx.Rows) ([]*Prescription, error) {
	defer rows.Close()
	var items []*Prescription
	for rows.Next() {
		p, err := r.scanRx(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
