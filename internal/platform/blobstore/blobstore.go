// Package blobstore holds the clinical files uploaded with appointments.
// Metadata always lives in Postgres (or memory in tests); content lives in a
// pluggable ContentStore (Postgres bytea, S3, or memory).
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound         = apperr.New(apperr.KindNotFound, "file not found")
	ErrUnsupportedMediaType = apperr.New(apperr.KindUnsupportedMediaType, "only PDF, JPEG, PNG and WEBP files are allowed")
	ErrPayloadTooLarge      = apperr.New(apperr.KindPayloadTooLarge, "file exceeds the 10 MiB limit")
	ErrMissingFileName      = apperr.Validation("file name is required")
	ErrInvalidMode          = apperr.Validation("open mode must be inline or attachment")

	// ErrKeyExists is returned by ContentStore.Write and MetaRepository.Insert
	// when the key is already taken. Nothing is written in that case.
	ErrKeyExists = apperr.New(apperr.KindConflict, "file key already exists")
)

// putAttempts bounds how many fresh keys Put tries after a key collision.
const putAttempts = 3

// ---------------------------------------------------------------------------
// Validation constants
// ---------------------------------------------------------------------------

// MaxFileSize is the hard ceiling on a stored file (10 MiB).
const MaxFileSize = 10 * 1024 * 1024

// AllowedMimeTypes is the upload allow-list.
var AllowedMimeTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"image/webp":      true,
}

// NormalizeMimeType lower-cases t and strips parameters such as charset.
func NormalizeMimeType(t string) string {
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// Uploader roles recorded on each file.
const (
	UploadedByPatient = "patient"
	UploadedByDoctor  = "doctor"
	UploadedByAdmin   = "admin"
)

// Origins record how a file entered the store. Only booking files are tied to
// an appointment's file key.
const (
	OriginBooking = "booking"
	OriginUpload  = "upload"
)

// StoredFile describes a file held by the store.
type StoredFile struct {
	Key             string    `json:"key"`
	Seq             int64     `json:"seq"`
	OriginalName    string    `json:"original_name"`
	MimeType        string    `json:"mime_type"`
	SizeBytes       int64     `json:"size_bytes"`
	SHA256          string    `json:"sha256"`
	PatientID       string    `json:"patient_id,omitempty"`
	DoctorID        string    `json:"doctor_id,omitempty"`
	PatientName     string    `json:"patient_name,omitempty"`
	DoctorName      string    `json:"doctor_name,omitempty"`
	AppointmentDate string    `json:"appointment_date,omitempty"`
	UploadedBy      string    `json:"uploaded_by"`
	Origin          string    `json:"origin"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// Metadata is the caller-supplied part of a Put.
type Metadata struct {
	OriginalName    string
	MimeType        string
	PatientID       string
	DoctorID        string
	PatientName     string
	DoctorName      string
	AppointmentDate string
	UploadedBy      string
	Origin          string
}

// OpenMode selects how a retrieved file is presented.
type OpenMode string

const (
	ModeInline     OpenMode = "inline"
	ModeAttachment OpenMode = "attachment"
)

// ContentDisposition renders the header value for name in this mode.
func (m OpenMode) ContentDisposition(name string) string {
	return mime.FormatMediaType(string(m), map[string]string{"filename": name})
}

// Query filters List. PatientID is required; the rest are optional.
type Query struct {
	PatientID       string
	DoctorID        string
	AppointmentDate string
	UploadedBefore  *time.Time
	Limit           int
}

// ---------------------------------------------------------------------------
// Backend interfaces
// ---------------------------------------------------------------------------

// MetaRepository persists StoredFile records. Insert assigns Seq and returns
// ErrKeyExists for a key that is already recorded.
type MetaRepository interface {
	Insert(ctx context.Context, f *StoredFile) error
	Get(ctx context.Context, key string) (*StoredFile, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, q Query) ([]*StoredFile, error)
	// ListUploadedBefore returns every file uploaded before t, oldest first.
	ListUploadedBefore(ctx context.Context, t time.Time) ([]*StoredFile, error)
}

// ContentStore persists file bytes under a key. Write never replaces an
// existing object; it returns ErrKeyExists instead.
type ContentStore interface {
	Write(ctx context.Context, key, mimeType string, data []byte) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store is the object store service.
type Store struct {
	meta     MetaRepository
	content  ContentStore
	maxBytes int64
	logger   zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time
	newKey   func(time.Time, string) string
}

// NewStore builds a Store. maxBytes <= 0 or above MaxFileSize falls back to
// MaxFileSize.
func NewStore(meta MetaRepository, content ContentStore, maxBytes int64, logger zerolog.Logger, m *metrics.Collector) *Store {
	if maxBytes <= 0 || maxBytes > MaxFileSize {
		maxBytes = MaxFileSize
	}
	return &Store{
		meta:     meta,
		content:  content,
		maxBytes: maxBytes,
		logger:   logger.With().Str("component", "blobstore").Logger(),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   NewKey,
	}
}

// MaxBytes is the effective upload ceiling.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Validate checks the parts of a Put that can be rejected before reading any
// content.
func (s *Store) Validate(meta Metadata) error {
	if strings.TrimSpace(meta.OriginalName) == "" {
		return ErrMissingFileName
	}
	if !AllowedMimeTypes[NormalizeMimeType(meta.MimeType)] {
		return fmt.Errorf("%q: %w", meta.MimeType, ErrUnsupportedMediaType)
	}
	switch meta.Origin {
	case "", OriginBooking, OriginUpload:
	default:
		return apperr.Validation("unknown file origin %q", meta.Origin)
	}
	for _, f := range []struct {
		name, value string
		max         int
	}{
		{"file name", meta.OriginalName, 255},
		{"patient_id", meta.PatientID, 64},
		{"doctor_id", meta.DoctorID, 64},
		{"patient_name", meta.PatientName, 255},
		{"doctor_name", meta.DoctorName, 255},
		{"appointment_date", meta.AppointmentDate, 10},
		{"uploaded_by", meta.UploadedBy, 16},
	} {
		if err := apperr.TooLong(f.name, f.value, f.max); err != nil {
			return err
		}
	}
	return nil
}

// Put stores content and returns the new file's record. Content is written
// before metadata with a create-only write, so a failed metadata insert only
// ever removes content this call created. A key collision is retried with a
// fresh key.
func (s *Store) Put(ctx context.Context, content io.Reader, meta Metadata) (*StoredFile, error) {
	if err := s.Validate(meta); err != nil {
		s.metrics.RecordUpload(string(apperr.KindOf(err)), 0)
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(content, s.maxBytes+1))
	if err != nil {
		s.metrics.RecordUpload(metrics.OutcomeError, 0)
		return nil, apperr.StorageIO(err, "read upload")
	}
	if int64(len(data)) > s.maxBytes {
		s.metrics.RecordUpload(string(apperr.KindPayloadTooLarge), 0)
		return nil, ErrPayloadTooLarge
	}

	now := s.now()
	sum := sha256.Sum256(data)
	f := &StoredFile{
		Key:             s.newKey(now, meta.OriginalName),
		OriginalName:    meta.OriginalName,
		MimeType:        NormalizeMimeType(meta.MimeType),
		SizeBytes:       int64(len(data)),
		SHA256:          hex.EncodeToString(sum[:]),
		PatientID:       meta.PatientID,
		DoctorID:        meta.DoctorID,
		PatientName:     meta.PatientName,
		DoctorName:      meta.DoctorName,
		AppointmentDate: meta.AppointmentDate,
		UploadedBy:      meta.UploadedBy,
		Origin:          meta.Origin,
		UploadedAt:      now,
	}
	if f.UploadedBy == "" {
		f.UploadedBy = UploadedByPatient
	}
	if f.Origin == "" {
		f.Origin = OriginUpload
	}

	for attempt := 1; attempt <= putAttempts; attempt++ {
		if attempt > 1 {
			f.Key = s.newKey(now, meta.OriginalName)
		}
		err = s.write(ctx, f, data)
		if !errors.Is(err, ErrKeyExists) {
			break
		}
		s.logger.Warn().Str("key", f.Key).Int("attempt", attempt).Msg("file key collision, retrying with a new key")
	}
	if err != nil {
		s.metrics.RecordUpload(metrics.OutcomeError, 0)
		return nil, err
	}

	s.metrics.RecordUpload(metrics.OutcomeOK, f.SizeBytes)
	s.logger.Info().
		Str("key", f.Key).
		Str("mime_type", f.MimeType).
		Int64("size_bytes", f.SizeBytes).
		Msg("file stored")
	return f, nil
}

// write stores content then metadata under f.Key. ErrKeyExists is returned
// unwrapped so Put can retry.
func (s *Store) write(ctx context.Context, f *StoredFile, data []byte) error {
	if err := s.content.Write(ctx, f.Key, f.MimeType, data); err != nil {
		if errors.Is(err, ErrKeyExists) {
			return ErrKeyExists
		}
		return apperr.StorageIO(err, "write file content")
	}
	if err := s.meta.Insert(ctx, f); err != nil {
		if rmErr := s.content.Remove(context.WithoutCancel(ctx), f.Key); rmErr != nil {
			s.logger.Error().Err(rmErr).Str("key", f.Key).Msg("failed to remove content after metadata insert failure")
		}
		if errors.Is(err, ErrKeyExists) {
			return ErrKeyExists
		}
		return apperr.StorageIO(err, "write file metadata")
	}
	return nil
}

// OpenRead opens a fresh stream over the file's content. The caller must
// close the returned reader.
func (s *Store) OpenRead(ctx context.Context, key string, mode OpenMode) (io.ReadCloser, *StoredFile, error) {
	if mode != ModeInline && mode != ModeAttachment {
		return nil, nil, ErrInvalidMode
	}
	f, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.content.Open(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			s.logger.Error().Str("key", key).Msg("metadata present but content missing")
		}
		return nil, nil, apperr.StorageIO(err, "open file content")
	}
	return rc, f, nil
}

// Stat returns the file's record without touching content.
func (s *Store) Stat(ctx context.Context, key string) (*StoredFile, error) {
	f, err := s.meta.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, apperr.StorageIO(err, "read file metadata")
	}
	return f, nil
}

// Delete removes the file. Deleting an unknown or already deleted key returns
// ErrBlobNotFound and changes nothing.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.meta.Delete(ctx, key); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return ErrBlobNotFound
		}
		return apperr.StorageIO(err, "delete file metadata")
	}
	if err := s.content.Remove(ctx, key); err != nil && !errors.Is(err, ErrBlobNotFound) {
		s.logger.Error().Err(err).Str("key", key).Msg("file metadata deleted but content removal failed")
		return apperr.StorageIO(err, "delete file content")
	}
	s.logger.Info().Str("key", key).Msg("file deleted")
	return nil
}

// List returns the patient's files, newest first with ties broken by
// insertion order (latest first).
func (s *Store) List(ctx context.Context, q Query) ([]*StoredFile, error) {
	if strings.TrimSpace(q.PatientID) == "" {
		return nil, apperr.Validation("patient id is required")
	}
	files, err := s.meta.List(ctx, q)
	if err != nil {
		return nil, apperr.StorageIO(err, "list files")
	}
	return files, nil
}

// ListUploadedBefore is used by the reconciliation sweep.
func (s *Store) ListUploadedBefore(ctx context.Context, t time.Time) ([]*StoredFile, error) {
	files, err := s.meta.ListUploadedBefore(ctx, t)
	if err != nil {
		return nil, apperr.StorageIO(err, "list files")
	}
	return files, nil
}

// readAllCloser adapts an in-memory payload.
func readAllCloser(data []byte) io.ReadCloser {
	return io.NopCloser(bytes.NewReader(data))
}
