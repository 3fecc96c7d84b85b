// Package events carries appointment lifecycle notifications to interested
// observers. Publication is best effort: the state change it describes has
// already been committed when an event is published.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/metrics"
)

// Type names a lifecycle event.
type Type string

const (
	AppointmentBooked    Type = "appointment.booked"
	AppointmentApproved  Type = "appointment.approved"
	AppointmentCancelled Type = "appointment.cancelled"
	AppointmentCompleted Type = "appointment.completed"
	AppointmentDeleted   Type = "appointment.deleted"
	PrescriptionCreated  Type = "prescription.created"
	FileUploaded         Type = "file.uploaded"
	FileDeleted          Type = "file.deleted"
)

// Event is the wire form shared by every sink.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	AppointmentID  string    `json:"appointment_id,omitempty"`
	PatientID      string    `json:"patient_id,omitempty"`
	DoctorID       string    `json:"doctor_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	PrescriptionID string    `json:"prescription_id,omitempty"`
	FileKey        string    `json:"file_key,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// New stamps an event with an id and the current time.
func New(t Type) Event {
	return Event{ID: uuid.New().String(), Type: t, OccurredAt: time.Now().UTC()}
}

// Topics lists the subscription topics an event is delivered on.
func (e Event) Topics() []string {
	var topics []string
	if e.AppointmentID != "" {
		topics = append(topics, "appointment/"+e.AppointmentID)
	}
	if e.PatientID != "" {
		topics = append(topics, "patient/"+e.PatientID)
	}
	if e.DoctorID != "" {
		topics = append(topics, "doctor/"+e.DoctorID)
	}
	return topics
}

// PartitionKey keeps all events for one appointment in order on partitioned
// sinks.
func (e Event) PartitionKey() string {
	if e.AppointmentID != "" {
		return e.AppointmentID
	}
	if e.FileKey != "" {
		return e.FileKey
	}
	return e.ID
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// ---------------------------------------------------------------------------
// Log sink
// ---------------------------------------------------------------------------

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("appointment_id", e.AppointmentID).
		Str("status", e.Status).
		Str("file_key", e.FileKey).
		Msg("lifecycle event")
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

type sink struct {
	name string
	pub  Publisher
}

// Fanout publishes every event to each registered sink. A failing sink does
// not stop delivery to the others.
type Fanout struct {
	mu      sync.RWMutex
	sinks   []sink
	logger  zerolog.Logger
	metrics *metrics.Collector
}

func NewFanout(logger zerolog.Logger, m *metrics.Collector) *Fanout {
	return &Fanout{logger: logger, metrics: m}
}

// Add registers a named sink.
func (f *Fanout) Add(name string, p Publisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, sink{name: name, pub: p})
}

// Sinks returns the registered sink names in registration order.
func (f *Fanout) Sinks() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.name
	}
	return names
}

func (f *Fanout) Publish(ctx context.Context, e Event) error {
	f.mu.RLock()
	sinks := make([]sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.pub.Publish(ctx, e); err != nil {
			f.metrics.RecordEvent(s.name, metrics.OutcomeError)
			f.logger.Warn().Err(err).
				Str("sink", s.name).
				Str("event_type", string(e.Type)).
				Str("event_id", e.ID).
				Msg("event publish failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		f.metrics.RecordEvent(s.name, metrics.OutcomeOK)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder keeps published events in memory. Used by tests and by the dev
// server when no external sink is configured.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
