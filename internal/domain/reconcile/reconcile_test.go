package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/domain/prescription"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/db"
)

type testEnv struct {
	store  *blobstore.Store
	meta   *blobstore.InMemoryMetaRepository
	appts  *appointment.Service
	rxRepo *prescription.InMemoryRepository
	binder *prescription.Binder
}

func newTestEnv() *testEnv {
	store, meta, _ := blobstore.NewInMemoryStore()
	appts := appointment.NewService(appointment.NewInMemoryRepository(), store, nil, nil, zerolog.Nop())
	rxRepo := prescription.NewInMemoryRepository()
	return &testEnv{
		store:  store,
		meta:   meta,
		appts:  appts,
		rxRepo: rxRepo,
		binder: prescription.NewBinder(rxRepo, appts, db.SequentialTransactor{}, nil, nil, zerolog.Nop()),
	}
}

func (env *testEnv) reconciler(opts Options) *Reconciler {
	r := New(env.store, env.appts, env.binder, opts, nil, zerolog.Nop())
	r.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	return r
}

func (env *testEnv) put(t *testing.T, origin string) *blobstore.StoredFile {
	t.Helper()
	f, err := env.store.Put(context.Background(), strings.NewReader("%PDF"), blobstore.Metadata{
		OriginalName: "scan.pdf",
		MimeType:     "application/pdf",
		PatientID:    "patient-1",
		Origin:       origin,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (env *testEnv) book(t *testing.T, withFile bool) *appointment.Appointment {
	t.Helper()
	in := appointment.BookInput{
		DoctorID:  "doctor-1",
		PatientID: "patient-1",
		Date:      "2026-03-01",
		Time:      "10:00",
		Reason:    "Checkup",
	}
	if withFile {
		in.Attachment = &appointment.Attachment{Name: "scan.pdf", MimeType: "application/pdf", Content: strings.NewReader("%PDF")}
	}
	a, err := env.appts.Book(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestSweepOrphans(t *testing.T) {
	env := newTestEnv()
	booked := env.book(t, true)
	orphan := env.put(t, blobstore.OriginBooking)
	standalone := env.put(t, blobstore.OriginUpload)

	rep, err := env.reconciler(Options{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Orphans) != 1 || rep.Orphans[0] != orphan.Key || rep.OrphansRemoved != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.FilesScanned != 2 {
		t.Errorf("expected 2 booking files scanned, got %d", rep.FilesScanned)
	}

	ctx := context.Background()
	if _, err := env.store.Stat(ctx, orphan.Key); !errors.Is(err, blobstore.ErrBlobNotFound) {
		t.Errorf("expected orphan removed, got %v", err)
	}
	if _, err := env.store.Stat(ctx, *booked.FileKey); err != nil {
		t.Errorf("referenced file must survive: %v", err)
	}
	if _, err := env.store.Stat(ctx, standalone.Key); err != nil {
		t.Errorf("standalone upload must survive: %v", err)
	}
}

func TestSweepOrphans_GracePeriod(t *testing.T) {
	env := newTestEnv()
	env.put(t, blobstore.OriginBooking)

	r := New(env.store, env.appts, env.binder, Options{GracePeriod: time.Hour}, nil, zerolog.Nop())
	rep := &Report{}
	if err := r.SweepOrphans(context.Background(), rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Orphans) != 0 || env.meta.Len() != 1 {
		t.Errorf("recent upload must not be swept, report %+v", rep)
	}
}

func TestSweepOrphans_DryRun(t *testing.T) {
	env := newTestEnv()
	orphan := env.put(t, blobstore.OriginBooking)

	rep, err := env.reconciler(Options{DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Orphans) != 1 || rep.OrphansRemoved != 0 {
		t.Errorf("unexpected report %+v", rep)
	}
	if _, err := env.store.Stat(context.Background(), orphan.Key); err != nil {
		t.Errorf("dry run must not delete: %v", err)
	}
}

func TestRepairPrescriptions(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	// Partial failure: prescription stored, appointment still Confirmed.
	stuck := env.book(t, false)
	if _, err := env.appts.Approve(ctx, stuck.ID); err != nil {
		t.Fatal(err)
	}
	stuckRx := &prescription.Prescription{AppointmentID: stuck.ID, DoctorID: "doctor-1", PatientID: "patient-1", Diagnosis: "x"}
	if err := env.rxRepo.Create(ctx, stuckRx); err != nil {
		t.Fatal(err)
	}

	// Healthy: created through the binder.
	healthy := env.book(t, false)
	if _, err := env.appts.Approve(ctx, healthy.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.binder.CreatePrescription(ctx, prescription.CreateInput{
		AppointmentID: healthy.ID, DoctorID: "doctor-1", PatientID: "patient-1", Diagnosis: "y",
		Medicines: []prescription.Medicine{{Name: "a", Dosage: "b", Frequency: "c", Duration: "d"}},
	}); err != nil {
		t.Fatal(err)
	}

	// Unrepairable: appointment cancelled after the prescription was stored.
	gone := env.book(t, false)
	goneRx := &prescription.Prescription{AppointmentID: gone.ID, DoctorID: "doctor-1", PatientID: "patient-1", Diagnosis: "z"}
	if err := env.rxRepo.Create(ctx, goneRx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.appts.Cancel(ctx, gone.ID); err != nil {
		t.Fatal(err)
	}

	// Missing appointment.
	orphanRx := &prescription.Prescription{AppointmentID: uuid.New(), DoctorID: "doctor-1", PatientID: "patient-1", Diagnosis: "w"}
	if err := env.rxRepo.Create(ctx, orphanRx); err != nil {
		t.Fatal(err)
	}

	rep := &Report{}
	if err := env.reconciler(Options{}).RepairPrescriptions(ctx, rep); err != nil {
		t.Fatalf("RepairPrescriptions: %v", err)
	}
	if rep.PrescriptionsChecked != 4 {
		t.Errorf("expected 4 checked, got %d", rep.PrescriptionsChecked)
	}
	if len(rep.Repaired) != 1 || rep.Repaired[0] != stuckRx.ID.String() {
		t.Errorf("unexpected repaired %v", rep.Repaired)
	}
	if len(rep.Unrepairable) != 2 {
		t.Errorf("expected 2 unrepairable, got %v", rep.Unrepairable)
	}

	got, err := env.appts.Get(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != appointment.StatusCompleted || got.PrescriptionID == nil || *got.PrescriptionID != stuckRx.ID {
		t.Errorf("expected stuck appointment completed, got %+v", got)
	}
}

func TestRepairPrescriptions_DryRun(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.book(t, false)
	if _, err := env.appts.Approve(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.rxRepo.Create(ctx, &prescription.Prescription{AppointmentID: a.ID, Diagnosis: "x"}); err != nil {
		t.Fatal(err)
	}

	rep := &Report{}
	if err := env.reconciler(Options{DryRun: true}).RepairPrescriptions(ctx, rep); err != nil {
		t.Fatal(err)
	}
	if len(rep.Repaired) != 1 {
		t.Errorf("expected one candidate, got %v", rep.Repaired)
	}
	got, _ := env.appts.Get(ctx, a.ID)
	if got.Status != appointment.StatusConfirmed {
		t.Errorf("dry run must not complete, got %s", got.Status)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	env := newTestEnv()
	env.put(t, blobstore.OriginBooking)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.reconciler(Options{}).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
