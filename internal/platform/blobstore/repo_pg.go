package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinic/internal/platform/db"
)

// ---------------------------------------------------------------------------
// Postgres metadata
// ---------------------------------------------------------------------------

type PGMetaRepository struct {
	pool *pgxpool.Pool
}

func NewPGMetaRepository(pool *pgxpool.Pool) *PGMetaRepository {
	return &PGMetaRepository{pool: pool}
}

const fileCols = `key, seq, original_name, mime_type, size_bytes, sha256,
	patient_id, doctor_id, patient_name, doctor_name, appointment_date,
	uploaded_by, origin, uploaded_at`

func scanFile(row pgx.Row) (*StoredFile, error) {
	var f StoredFile
	var patientID, doctorID, patientName, doctorName, apptDate *string
	err := row.Scan(&f.Key, &f.Seq, &f.OriginalName, &f.MimeType, &f.SizeBytes, &f.SHA256,
		&patientID, &doctorID, &patientName, &doctorName, &apptDate,
		&f.UploadedBy, &f.Origin, &f.UploadedAt)
	if err != nil {
		return nil, err
	}
	f.PatientID = deref(patientID)
	f.DoctorID = deref(doctorID)
	f.PatientName = deref(patientName)
	f.DoctorName = deref(doctorName)
	f.AppointmentDate = deref(apptDate)
	return &f, nil
}

func (r *PGMetaRepository) Insert(ctx context.Context, f *StoredFile) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO stored_file (key, original_name, mime_type, size_bytes, sha256,
			patient_id, doctor_id, patient_name, doctor_name, appointment_date,
			uploaded_by, origin, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING seq`,
		f.Key, f.OriginalName, f.MimeType, f.SizeBytes, f.SHA256,
		nullable(f.PatientID), nullable(f.DoctorID), nullable(f.PatientName), nullable(f.DoctorName),
		nullable(f.AppointmentDate), f.UploadedBy, f.Origin, f.UploadedAt,
	).Scan(&f.Seq)
	if db.IsUniqueViolation(err, "stored_file_pkey") {
		return ErrKeyExists
	}
	return err
}

func (r *PGMetaRepository) Get(ctx context.Context, key string) (*StoredFile, error) {
	f, err := scanFile(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+fileCols+` FROM stored_file WHERE key = $1`, key))
	if db.IsNoRows(err) {
		return nil, ErrBlobNotFound
	}
	return f, err
}

func (r *PGMetaRepository) Delete(ctx context.Context, key string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM stored_file WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func (r *PGMetaRepository) List(ctx context.Context, q Query) ([]*StoredFile, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{q.PatientID}
	idx := 2

	if q.DoctorID != "" {
		where = append(where, fmt.Sprintf("doctor_id = $%d", idx))
		args = append(args, q.DoctorID)
		idx++
	}
	if q.AppointmentDate != "" {
		where = append(where, fmt.Sprintf("appointment_date = $%d", idx))
		args = append(args, q.AppointmentDate)
		idx++
	}
	if q.UploadedBefore != nil {
		where = append(where, fmt.Sprintf("uploaded_at < $%d", idx))
		args = append(args, *q.UploadedBefore)
		idx++
	}

	query := `SELECT ` + fileCols + ` FROM stored_file WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY uploaded_at DESC, seq DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, q.Limit)
	}

	return r.queryFiles(ctx, query, args...)
}

func (r *PGMetaRepository) ListUploadedBefore(ctx context.Context, t time.Time) ([]*StoredFile, error) {
	return r.queryFiles(ctx,
		`SELECT `+fileCols+` FROM stored_file WHERE uploaded_at < $1 ORDER BY seq`, t)
}

func (r *PGMetaRepository) queryFiles(ctx context.Context, query string, args ...interface{}) ([]*StoredFile, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StoredFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Postgres content
// ---------------------------------------------------------------------------

// PGContentStore keeps file bytes in stored_file_content. Write is a plain
// INSERT, so an existing key fails on the primary key.
type PGContentStore struct {
	pool *pgxpool.Pool
}

func NewPGContentStore(pool *pgxpool.Pool) *PGContentStore {
	return &PGContentStore{pool: pool}
}

func (s *PGContentStore) Write(ctx context.Context, key, _ string, data []byte) error {
	_, err := db.Conn(ctx, s.pool).Exec(ctx,
		`INSERT INTO stored_file_content (key, content) VALUES ($1, $2)`, key, data)
	if db.IsUniqueViolation(err, "stored_file_content_pkey") {
		return ErrKeyExists
	}
	return err
}

func (s *PGContentStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT content FROM stored_file_content WHERE key = $1`, key).Scan(&data)
	if db.IsNoRows(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}
	return readAllCloser(data), nil
}

func (s *PGContentStore) Remove(ctx context.Context, key string) error {
	tag, err := db.Conn(ctx, s.pool).Exec(ctx, `DELETE FROM stored_file_content WHERE key = $1`, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBlobNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
