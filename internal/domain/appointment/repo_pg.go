package appointment

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, doctor_id, patient_id, COALESCE(doctor_name, ''), COALESCE(patient_name, ''),
	age, COALESCE(gender, ''), COALESCE(blood_group, ''), COALESCE(phone, ''),
	appointment_date, appointment_time, reason, COALESCE(notes, ''), file_key,
	COALESCE(original_file_name, ''), status, prescription_id, created_at, updated_at`

func (r *repoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.DoctorName, &a.PatientName,
		&a.Age, &a.Gender, &a.BloodGroup, &a.Phone,
		&a.Date, &a.Time, &a.Reason, &a.Notes, &a.FileKey,
		&a.OriginalFileName, &a.Status, &a.PrescriptionID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.derive()
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, doctor_name, patient_name,
			age, gender, blood_group, phone, appointment_date, appointment_time,
			reason, notes, file_key, original_file_name, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, nullable(a.DoctorName), nullable(a.PatientName),
		a.Age, nullable(a.Gender), nullable(a.BloodGroup), nullable(a.Phone), a.Date, a.Time,
		a.Reason, nullable(a.Notes), a.FileKey, nullable(a.OriginalFileName), a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	a.derive()
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "patient_id", patientID, limit, offset)
}

func (r *repoPG) ListByDoctor(ctx context.Context, doctorID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(ctx, "doctor_id", doctorID, limit, offset)
}

// list is only called with the two fixed column names above. seq breaks
// created_at ties in insertion order, matching the in-memory repository.
func (r *repoPG) list(ctx context.Context, col, value string, limit, offset int) ([]*Appointment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM appointment WHERE `+col+` = $1`, value).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+apptCols+` FROM appointment WHERE `+col+` = $1
		ORDER BY created_at DESC, seq DESC LIMIT $2 OFFSET $3`, value, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListDoctorPatients(ctx context.Context, doctorID string) ([]*PatientSummary, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT DISTINCT ON (patient_id)
			patient_id, COALESCE(patient_name, ''), age, COALESCE(gender, ''),
			COALESCE(blood_group, ''), COALESCE(phone, ''), appointment_date, created_at,
			COUNT(*) OVER (PARTITION BY patient_id)
		FROM appointment
		WHERE doctor_id = $1
		ORDER BY patient_id, created_at DESC, seq DESC`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PatientSummary
	for rows.Next() {
		var p PatientSummary
		if err := rows.Scan(&p.PatientID, &p.PatientName, &p.Age, &p.Gender,
			&p.BloodGroup, &p.Phone, &p.LastVisitDate, &p.LastBookedAt, &p.AppointmentCount); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastBookedAt.After(out[j].LastBookedAt) })
	return out, nil
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, prescriptionID *uuid.UUID) (*Appointment, error) {
	fromStr := make([]string, len(from))
	for i, s := range from {
		fromStr[i] = string(s)
	}

	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment
		SET status = $3,
			prescription_id = COALESCE($4, prescription_id),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+apptCols, id, fromStr, string(to), prescriptionID))
	if db.IsNoRows(err) {
		return nil, errNoMatch
	}
	return a, err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx,
		`DELETE FROM appointment WHERE id = $1 RETURNING `+apptCols, id))
	if db.IsNoRows(err) {
		return nil, ErrAppointmentNotFound
	}
	return a, err
}

func (r *repoPG) FileKeyReferenced(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM appointment WHERE file_key = $1)`, key).Scan(&exists)
	return exists, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
