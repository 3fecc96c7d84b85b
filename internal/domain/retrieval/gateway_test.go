package retrieval

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/events"
)

func newTestGateway() (*Gateway, *events.Recorder) {
	store, _, _ := blobstore.NewInMemoryStore()
	rec := events.NewRecorder()
	return NewGateway(store, rec, zerolog.Nop()), rec
}

func upload(t *testing.T, gw *Gateway, patientID, doctorID, date, name, content string) *blobstore.StoredFile {
	t.Helper()
	f, err := gw.Upload(context.Background(), strings.NewReader(content), blobstore.Metadata{
		OriginalName:    name,
		MimeType:        "application/pdf",
		PatientID:       patientID,
		DoctorID:        doctorID,
		AppointmentDate: date,
		UploadedBy:      blobstore.UploadedByDoctor,
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return f
}

func TestGateway_ViewFile_Unknown(t *testing.T) {
	gw, _ := newTestGateway()
	rc, f, err := gw.ViewFile(context.Background(), "nonexistent-key")
	if !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Error("expected not-found classification")
	}
	if rc != nil || f != nil {
		t.Error("expected no reader and no record")
	}
	if err.Error() != "no document available" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestGateway_ViewAndDownload(t *testing.T) {
	gw, _ := newTestGateway()
	stored := upload(t, gw, "patient-1", "doctor-1", "2026-03-01", "blood.pdf", "%PDF blood")

	for _, open := range []func(context.Context, string) (io.ReadCloser, *blobstore.StoredFile, error){gw.ViewFile, gw.DownloadFile} {
		rc, f, err := open(context.Background(), stored.Key)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		body, _ := io.ReadAll(rc)
		rc.Close()
		if string(body) != "%PDF blood" {
			t.Errorf("unexpected content %q", body)
		}
		if f.OriginalName != "blood.pdf" || f.SizeBytes != int64(len(body)) {
			t.Errorf("unexpected record %+v", f)
		}
	}
}

func TestGateway_ListFilesForPatient(t *testing.T) {
	gw, _ := newTestGateway()
	a := upload(t, gw, "patient-1", "doctor-1", "2026-03-01", "a.pdf", "a")
	b := upload(t, gw, "patient-1", "doctor-2", "2026-03-02", "b.pdf", "b")
	c := upload(t, gw, "patient-1", "doctor-1", "2026-03-02", "c.pdf", "c")
	upload(t, gw, "patient-2", "doctor-1", "2026-03-01", "d.pdf", "d")
	ctx := context.Background()

	all, err := gw.ListFilesForPatient(ctx, "patient-1", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].Key != c.Key || all[1].Key != b.Key || all[2].Key != a.Key {
		t.Errorf("expected newest first, got %d files", len(all))
	}

	byDoctor, _ := gw.ListFilesForPatient(ctx, "patient-1", "doctor-1", "")
	if len(byDoctor) != 2 {
		t.Errorf("expected 2 files for doctor-1, got %d", len(byDoctor))
	}
	byDate, _ := gw.ListFilesForPatient(ctx, "patient-1", "doctor-1", "2026-03-01")
	if len(byDate) != 1 || byDate[0].Key != a.Key {
		t.Errorf("expected only a.pdf, got %d", len(byDate))
	}

	fresh := upload(t, gw, "patient-1", "doctor-1", "2026-03-03", "e.pdf", "e")
	again, _ := gw.ListFilesForPatient(ctx, "patient-1", "", "")
	if len(again) != 4 || again[0].Key != fresh.Key {
		t.Error("expected list to reflect the new upload")
	}

	if _, err := gw.ListFilesForPatient(ctx, "", "", ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := gw.ListFilesForPatient(ctx, "patient-1", "", "March"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for bad date, got %v", err)
	}
}

func TestGateway_DeleteFile(t *testing.T) {
	gw, rec := newTestGateway()
	f := upload(t, gw, "patient-1", "doctor-1", "2026-03-01", "a.pdf", "a")
	ctx := context.Background()

	if err := gw.DeleteFile(ctx, f.Key); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := gw.FileInfo(ctx, f.Key); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected ErrNoDocument after delete, got %v", err)
	}
	if err := gw.DeleteFile(ctx, f.Key); !errors.Is(err, ErrNoDocument) {
		t.Errorf("expected second delete to report no document, got %v", err)
	}

	types := rec.Types()
	if len(types) != 2 || types[0] != events.FileUploaded || types[1] != events.FileDeleted {
		t.Errorf("unexpected events %v", types)
	}
}

func TestGateway_Upload_Rejections(t *testing.T) {
	gw, rec := newTestGateway()
	ctx := context.Background()

	_, err := gw.Upload(ctx, strings.NewReader("x"), blobstore.Metadata{OriginalName: "a.pdf", MimeType: "application/pdf"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error without patient, got %v", err)
	}
	_, err = gw.Upload(ctx, strings.NewReader("x"), blobstore.Metadata{OriginalName: "a.exe", MimeType: "application/x-msdownload", PatientID: "p"})
	if !errors.Is(err, apperr.ErrUnsupportedMediaType) {
		t.Errorf("expected unsupported media type, got %v", err)
	}
	if len(rec.Events()) != 0 {
		t.Error("expected no events for rejected uploads")
	}
}
