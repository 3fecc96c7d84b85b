package blobstore

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// In-memory metadata
// ---------------------------------------------------------------------------

// InMemoryMetaRepository is a thread-safe MetaRepository for tests and dev.
type InMemoryMetaRepository struct {
	mu    sync.RWMutex
	files map[string]*StoredFile
	seq   int64
}

func NewInMemoryMetaRepository() *InMemoryMetaRepository {
	return &InMemoryMetaRepository{files: make(map[string]*StoredFile)}
}

func (r *InMemoryMetaRepository) Insert(_ context.Context, f *StoredFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[f.Key]; ok {
		return ErrKeyExists
	}
	r.seq++
	f.Seq = r.seq
	cp := *f
	r.files[f.Key] = &cp
	return nil
}

func (r *InMemoryMetaRepository) Get(_ context.Context, key string) (*StoredFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.files[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *InMemoryMetaRepository) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[key]; !ok {
		return ErrBlobNotFound
	}
	delete(r.files, key)
	return nil
}

func (r *InMemoryMetaRepository) List(_ context.Context, q Query) ([]*StoredFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*StoredFile
	for _, f := range r.files {
		if f.PatientID != q.PatientID {
			continue
		}
		if q.DoctorID != "" && f.DoctorID != q.DoctorID {
			continue
		}
		if q.AppointmentDate != "" && f.AppointmentDate != q.AppointmentDate {
			continue
		}
		if q.UploadedBefore != nil && !f.UploadedAt.Before(*q.UploadedBefore) {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *InMemoryMetaRepository) ListUploadedBefore(_ context.Context, t time.Time) ([]*StoredFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*StoredFile
	for _, f := range r.files {
		if f.UploadedAt.Before(t) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Len reports how many records are held.
func (r *InMemoryMetaRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.files)
}

// ---------------------------------------------------------------------------
// In-memory content
// ---------------------------------------------------------------------------

// InMemoryContentStore is a thread-safe ContentStore for tests and dev.
type InMemoryContentStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewInMemoryContentStore() *InMemoryContentStore {
	return &InMemoryContentStore{blobs: make(map[string][]byte)}
}

func (s *InMemoryContentStore) Write(_ context.Context, key, _ string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; ok {
		return ErrKeyExists
	}
	s.blobs[key] = cp
	return nil
}

func (s *InMemoryContentStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	data, ok := s.blobs[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}
	return readAllCloser(data), nil
}

func (s *InMemoryContentStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

// Len reports how many blobs are held.
func (s *InMemoryContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// NewInMemoryStore wires a Store over fresh in-memory backends.
func NewInMemoryStore() (*Store, *InMemoryMetaRepository, *InMemoryContentStore) {
	meta := NewInMemoryMetaRepository()
	content := NewInMemoryContentStore()
	return NewStore(meta, content, MaxFileSize, zerolog.Nop(), nil), meta, content
}
