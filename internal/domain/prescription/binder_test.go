package prescription

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/events"
	"github.com/ehr/clinic/internal/platform/metrics"
)

type testEnv struct {
	binder *Binder
	repo   *InMemoryRepository
	appts  *appointment.Service
	store  *blobstore.Store
	events *events.Recorder
}

func newTestEnv() *testEnv {
	rec := events.NewRecorder()
	store, _, _ := blobstore.NewInMemoryStore()
	appts := appointment.NewService(appointment.NewInMemoryRepository(), store, rec, nil, zerolog.Nop())
	repo := NewInMemoryRepository()
	return &testEnv{
		binder: NewBinder(repo, appts, db.SequentialTransactor{}, rec, nil, zerolog.Nop()),
		repo:   repo,
		appts:  appts,
		store:  store,
		events: rec,
	}
}

func (env *testEnv) book(t *testing.T, attachment *appointment.Attachment) *appointment.Appointment {
	t.Helper()
	a, err := env.appts.Book(context.Background(), appointment.BookInput{
		DoctorID:    "doctor-1",
		PatientID:   "patient-1",
		PatientName: "Asha",
		Date:        "2026-03-01",
		Time:        "10:00",
		Reason:      "Fever",
		Attachment:  attachment,
	})
	if err != nil {
		t.Fatalf("Book: %v", err)
	}
	return a
}

func (env *testEnv) confirmed(t *testing.T) *appointment.Appointment {
	t.Helper()
	a := env.book(t, nil)
	if _, err := env.appts.Approve(context.Background(), a.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return a
}

func inputFor(a *appointment.Appointment) CreateInput {
	return CreateInput{
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		Diagnosis:     "Viral fever",
		Medicines: []Medicine{
			{Name: "Paracetamol", Dosage: "500mg", Frequency: "3x daily", Duration: "5 days"},
		},
		Advice:    "Rest",
		NextVisit: "2026-03-08",
	}
}

func TestBinder_BookApprovePrescribe(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	pdf := bytes.Repeat([]byte("%PDF"), 512*1024)
	a := env.book(t, &appointment.Attachment{Name: "report.pdf", MimeType: "application/pdf", Content: bytes.NewReader(pdf)})
	if _, err := env.appts.Approve(ctx, a.ID); err != nil {
		t.Fatal(err)
	}

	p, err := env.binder.CreatePrescription(ctx, inputFor(a))
	if err != nil {
		t.Fatalf("CreatePrescription: %v", err)
	}
	if p.PatientName != "Asha" {
		t.Errorf("expected patient name copied from appointment, got %q", p.PatientName)
	}
	if p.NextVisit == nil || *p.NextVisit != "2026-03-08" {
		t.Error("expected next visit")
	}

	got, err := env.appts.Get(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != appointment.StatusCompleted {
		t.Errorf("expected Completed, got %s", got.Status)
	}
	if got.PrescriptionID == nil || *got.PrescriptionID != p.ID {
		t.Error("expected back-reference to the prescription")
	}
	has, err := env.binder.HasPrescription(ctx, a.ID)
	if err != nil || !has {
		t.Errorf("expected HasPrescription true, got %v %v", has, err)
	}

	types := env.events.Types()
	if types[len(types)-2] != events.PrescriptionCreated || types[len(types)-1] != events.AppointmentCompleted {
		t.Errorf("unexpected event order %v", types)
	}
}

func TestBinder_HasPrescription_False(t *testing.T) {
	env := newTestEnv()
	has, err := env.binder.HasPrescription(context.Background(), uuid.New())
	if err != nil || has {
		t.Errorf("expected false, got %v %v", has, err)
	}
}

func TestBinder_Validation(t *testing.T) {
	env := newTestEnv()
	a := env.confirmed(t)

	cases := map[string]func(*CreateInput){
		"missing appointment": func(in *CreateInput) { in.AppointmentID = uuid.Nil },
		"missing doctor":      func(in *CreateInput) { in.DoctorID = "" },
		"missing patient":     func(in *CreateInput) { in.PatientID = " " },
		"missing diagnosis":   func(in *CreateInput) { in.Diagnosis = "" },
		"no medicines":        func(in *CreateInput) { in.Medicines = nil },
		"incomplete medicine": func(in *CreateInput) { in.Medicines[0].Dosage = "" },
		"bad next visit":      func(in *CreateInput) { in.NextVisit = "next week" },
		"wrong doctor":        func(in *CreateInput) { in.DoctorID = "doctor-2" },
		"wrong patient":       func(in *CreateInput) { in.PatientID = "patient-2" },
		"long doctor id":      func(in *CreateInput) { in.DoctorID = strings.Repeat("d", 65) },
		"long patient id":     func(in *CreateInput) { in.PatientID = strings.Repeat("p", 65) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := inputFor(a)
			in.Medicines = append([]Medicine(nil), in.Medicines...)
			mutate(&in)
			_, err := env.binder.CreatePrescription(context.Background(), in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if env.repo.Len() != 0 {
		t.Error("expected no prescriptions stored")
	}
}

func TestBinder_AppointmentNotFound(t *testing.T) {
	env := newTestEnv()
	in := inputFor(&appointment.Appointment{ID: uuid.New(), DoctorID: "d", PatientID: "p"})
	_, err := env.binder.CreatePrescription(context.Background(), in)
	if !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("expected appointment not found, got %v", err)
	}
}

func TestBinder_RequiresConfirmed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	pending := env.book(t, nil)

	_, err := env.binder.CreatePrescription(ctx, inputFor(pending))
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for Pending, got %v", err)
	}

	cancelled := env.book(t, nil)
	if _, err := env.appts.Cancel(ctx, cancelled.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.binder.CreatePrescription(ctx, inputFor(cancelled))
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for Cancelled, got %v", err)
	}
	if env.repo.Len() != 0 {
		t.Error("expected no prescriptions stored")
	}
}

func TestBinder_SecondPrescriptionConflicts(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	a := env.confirmed(t)

	if _, err := env.binder.CreatePrescription(ctx, inputFor(a)); err != nil {
		t.Fatal(err)
	}
	_, err := env.binder.CreatePrescription(ctx, inputFor(a))
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestBinder_ConcurrentCreate(t *testing.T) {
	env := newTestEnv()
	a := env.confirmed(t)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.binder.CreatePrescription(context.Background(), inputFor(a))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one success, got %d", succeeded)
	}
	if env.repo.Len() != 1 {
		t.Errorf("expected one stored prescription, got %d", env.repo.Len())
	}
}

// failingComplete wraps the appointment service and fails every Complete.
type failingComplete struct {
	*appointment.Service
}

func (failingComplete) Complete(context.Context, uuid.UUID, uuid.UUID) (*appointment.Appointment, error) {
	return nil, errors.New("connection reset")
}

// cancelBeforeComplete cancels the appointment just before completing it,
// standing in for a cancel that lands between the insert and the completion.
type cancelBeforeComplete struct {
	*appointment.Service
}

func (c cancelBeforeComplete) Complete(ctx context.Context, id, prescriptionID uuid.UUID) (*appointment.Appointment, error) {
	if _, err := c.Service.Cancel(ctx, id); err != nil {
		return nil, err
	}
	return c.Service.Complete(ctx, id, prescriptionID)
}

type atomicTx struct{}

func (atomicTx) Atomic() bool { return true }
func (atomicTx) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func TestBinder_NonAtomicFailureIsReported(t *testing.T) {
	env := newTestEnv()
	m := metrics.NewCollector()
	binder := NewBinder(env.repo, failingComplete{env.appts}, db.SequentialTransactor{}, env.events, m, zerolog.Nop())
	a := env.confirmed(t)

	p, err := binder.CreatePrescription(context.Background(), inputFor(a))
	if p != nil {
		t.Error("expected no prescription to be returned")
	}
	var inc *InconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if inc.AppointmentID != a.ID {
		t.Errorf("unexpected appointment id %s", inc.AppointmentID)
	}
	if !errors.Is(err, apperr.ErrStorageIO) {
		t.Error("expected inconsistency to classify as storage failure")
	}
	expected := `
# HELP clinic_inconsistencies_total Partial writes that need reconciliation
# TYPE clinic_inconsistencies_total counter
clinic_inconsistencies_total{component="prescription"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "clinic_inconsistencies_total"); err != nil {
		t.Errorf("inconsistency metric: %v", err)
	}
	if env.repo.Len() != 1 {
		t.Error("expected the inserted prescription to remain for reconciliation")
	}
}

func TestBinder_NonAtomicGuardFailureIsStorageClass(t *testing.T) {
	env := newTestEnv()
	binder := NewBinder(env.repo, cancelBeforeComplete{env.appts}, db.SequentialTransactor{}, env.events, nil, zerolog.Nop())
	a := env.confirmed(t)

	_, err := binder.CreatePrescription(context.Background(), inputFor(a))
	var inc *InconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("expected inconsistency error, got %v", err)
	}
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Error("expected the guard failure to stay reachable as the cause")
	}
	if kind := apperr.KindOf(err); kind != apperr.KindStorageIO {
		t.Errorf("expected kind %q, got %q", apperr.KindStorageIO, kind)
	}
	if status := apperr.HTTPStatus(err); status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
}

func TestBinder_AtomicFailureIsPlain(t *testing.T) {
	env := newTestEnv()
	binder := NewBinder(env.repo, failingComplete{env.appts}, atomicTx{}, env.events, nil, zerolog.Nop())
	a := env.confirmed(t)

	_, err := binder.CreatePrescription(context.Background(), inputFor(a))
	var inc *InconsistencyError
	if errors.As(err, &inc) {
		t.Fatal("atomic unit of work should not report an inconsistency")
	}
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestBinder_Lists(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	first := env.confirmed(t)
	second := env.confirmed(t)
	open := env.book(t, nil)

	if _, err := env.binder.CreatePrescription(ctx, inputFor(first)); err != nil {
		t.Fatal(err)
	}
	p2, err := env.binder.CreatePrescription(ctx, inputFor(second))
	if err != nil {
		t.Fatal(err)
	}

	items, total, err := env.binder.ListByPatient(ctx, "patient-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || items[0].ID != p2.ID {
		t.Errorf("expected newest first, got total=%d", total)
	}

	items, total, err = env.binder.ListByPatientAndDoctor(ctx, "patient-1", "doctor-9", 10, 0)
	if err != nil || total != 0 || len(items) != 0 {
		t.Errorf("expected no prescriptions for other doctor, got %d %v", total, err)
	}

	statuses, total, err := env.binder.ListPrescriptionStatus(ctx, "doctor-1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("expected 3 appointments, got %d", total)
	}
	for _, s := range statuses {
		want := s.AppointmentID != open.ID
		if s.HasPrescription != want {
			t.Errorf("appointment %s: HasPrescription=%v, want %v", s.AppointmentID, s.HasPrescription, want)
		}
	}

	got, err := env.binder.GetByAppointment(ctx, second.ID)
	if err != nil || got.ID != p2.ID {
		t.Errorf("GetByAppointment: %v %v", got, err)
	}
	if _, err := env.binder.GetByAppointment(ctx, open.ID); !errors.Is(err, ErrPrescriptionNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
