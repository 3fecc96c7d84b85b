package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/pagination"
)

// InMemoryRepository is a thread-safe Repository for tests and the dev
// server. Transition holds the lock across compare and write, which gives the
// same linearizability as the conditional UPDATE in Postgres.
type InMemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	seq   map[uuid.UUID]int64
	next  int64
	now   func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		items: make(map[uuid.UUID]*Appointment),
		seq:   make(map[uuid.UUID]int64),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func clone(a *Appointment) *Appointment {
	cp := *a
	if a.FileKey != nil {
		k := *a.FileKey
		cp.FileKey = &k
	}
	if a.PrescriptionID != nil {
		id := *a.PrescriptionID
		cp.PrescriptionID = &id
	}
	if a.Age != nil {
		age := *a.Age
		cp.Age = &age
	}
	cp.derive()
	return &cp
}

func (r *InMemoryRepository) Create(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.ID = uuid.New()
	a.CreatedAt = r.now()
	a.UpdatedAt = a.CreatedAt
	a.derive()
	r.next++
	r.seq[a.ID] = r.next
	r.items[a.ID] = clone(a)
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return clone(a), nil
}

func (r *InMemoryRepository) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.PatientID == patientID }, limit, offset)
}

func (r *InMemoryRepository) ListByDoctor(_ context.Context, doctorID string, limit, offset int) ([]*Appointment, int, error) {
	return r.list(func(a *Appointment) bool { return a.DoctorID == doctorID }, limit, offset)
}

func (r *InMemoryRepository) sorted(match func(*Appointment) bool) []*Appointment {
	var out []*Appointment
	for _, a := range r.items {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return r.seq[out[i].ID] > r.seq[out[j].ID]
	})
	return out
}

func (r *InMemoryRepository) list(match func(*Appointment) bool, limit, offset int) ([]*Appointment, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.sorted(match)
	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	page := make([]*Appointment, 0, end-start)
	for _, a := range all[start:end] {
		page = append(page, clone(a))
	}
	return page, len(all), nil
}

func (r *InMemoryRepository) ListDoctorPatients(_ context.Context, doctorID string) ([]*PatientSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPatient := make(map[string]*PatientSummary)
	var order []*PatientSummary
	for _, a := range r.sorted(func(a *Appointment) bool { return a.DoctorID == doctorID }) {
		if p, ok := byPatient[a.PatientID]; ok {
			p.AppointmentCount++
			continue
		}
		p := &PatientSummary{
			PatientID:        a.PatientID,
			PatientName:      a.PatientName,
			Age:              a.Age,
			Gender:           a.Gender,
			BloodGroup:       a.BloodGroup,
			Phone:            a.Phone,
			LastVisitDate:    a.Date,
			LastBookedAt:     a.CreatedAt,
			AppointmentCount: 1,
		}
		byPatient[a.PatientID] = p
		order = append(order, p)
	}
	return order, nil
}

func (r *InMemoryRepository) Transition(_ context.Context, id uuid.UUID, from []Status, to Status, prescriptionID *uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[id]
	if !ok {
		return nil, errNoMatch
	}
	allowed := false
	for _, s := range from {
		if a.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errNoMatch
	}

	a.Status = to
	if prescriptionID != nil {
		rx := *prescriptionID
		a.PrescriptionID = &rx
	}
	a.UpdatedAt = r.now()
	return clone(a), nil
}

func (r *InMemoryRepository) Delete(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.items[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	delete(r.items, id)
	delete(r.seq, id)
	return a, nil
}

func (r *InMemoryRepository) FileKeyReferenced(_ context.Context, key string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.items {
		if a.FileKey != nil && *a.FileKey == key {
			return true, nil
		}
	}
	return false, nil
}

// Len reports how many appointments are stored.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
