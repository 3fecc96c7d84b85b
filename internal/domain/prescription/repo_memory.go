package prescription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/clinic/pkg/pagination"
)

// InMemoryRepository is a thread-safe Repository. Create checks and inserts
// under one lock, matching the unique index in Postgres.
type InMemoryRepository struct {
	mu            sync.RWMutex
	items         map[uuid.UUID]*Prescription
	byAppointment map[uuid.UUID]uuid.UUID
	seq           map[uuid.UUID]int64
	next          int64
	now           func() time.Time
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		items:         make(map[uuid.UUID]*Prescription),
		byAppointment: make(map[uuid.UUID]uuid.UUID),
		seq:           make(map[uuid.UUID]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func cloneRx(p *Prescription) *Prescription {
	cp := *p
	cp.Medicines = append([]Medicine(nil), p.Medicines...)
	cp.Symptoms = append([]string{}, p.Symptoms...)
	cp.Tests = append([]string{}, p.Tests...)
	if p.PatientAge != nil {
		age := *p.PatientAge
		cp.PatientAge = &age
	}
	if p.NextVisit != nil {
		nv := *p.NextVisit
		cp.NextVisit = &nv
	}
	return &cp
}

func (r *InMemoryRepository) Create(_ context.Context, p *Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byAppointment[p.AppointmentID]; taken {
		return ErrPrescriptionExists
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = r.now()
	p.PrescriptionDate = p.CreatedAt
	r.next++
	r.seq[p.ID] = r.next
	r.items[p.ID] = cloneRx(p)
	r.byAppointment[p.AppointmentID] = p.ID
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[id]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}
	return cloneRx(p), nil
}

func (r *InMemoryRepository) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byAppointment[appointmentID]
	if !ok {
		return nil, ErrPrescriptionNotFound
	}
	return cloneRx(r.items[id]), nil
}

func (r *InMemoryRepository) Exists(_ context.Context, appointmentID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byAppointment[appointmentID]
	return ok, nil
}

func (r *InMemoryRepository) ExistsForAppointments(_ context.Context, appointmentIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uuid.UUID]bool, len(appointmentIDs))
	for _, id := range appointmentIDs {
		if _, ok := r.byAppointment[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*Prescription, int, error) {
	return r.list(func(p *Prescription) bool { return p.PatientID == patientID }, limit, offset)
}

func (r *InMemoryRepository) ListByPatientAndDoctor(_ context.Context, patientID, doctorID string, limit, offset int) ([]*Prescription, int, error) {
	return r.list(func(p *Prescription) bool {
		return p.PatientID == patientID && p.DoctorID == doctorID
	}, limit, offset)
}

func (r *InMemoryRepository) list(match func(*Prescription) bool, limit, offset int) ([]*Prescription, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []*Prescription
	for _, p := range r.items {
		if match(p) {
			all = append(all, p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return r.seq[all[i].ID] > r.seq[all[j].ID]
	})

	start, end := pagination.Params{Limit: limit, Offset: offset}.Window(len(all))
	page := make([]*Prescription, 0, end-start)
	for _, p := range all[start:end] {
		page = append(page, cloneRx(p))
	}
	return page, len(all), nil
}

// ListUnbound returns every prescription, oldest first. Without a join the
// in-memory store cannot see appointment back-references.
func (r *InMemoryRepository) ListUnbound(_ context.Context) ([]*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Prescription, 0, len(r.items))
	for _, p := range r.items {
		out = append(out, cloneRx(p))
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] < r.seq[out[j].ID] })
	return out, nil
}

// Len reports how many prescriptions are stored.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
