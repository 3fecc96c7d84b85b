// Package reconcile repairs state left behind by partial failures: stored
// booking files that no appointment references, and prescriptions whose
// appointment was never completed.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/domain/appointment"
	"github.com/ehr/clinic/internal/domain/prescription"
	"github.com/ehr/clinic/internal/platform/apperr"
	"github.com/ehr/clinic/internal/platform/blobstore"
	"github.com/ehr/clinic/internal/platform/metrics"
)

// DefaultGracePeriod leaves recent uploads alone so that an in-flight booking
// is never swept between its Put and its appointment insert.
const DefaultGracePeriod = 24 * time.Hour

type Files interface {
	ListUploadedBefore(ctx context.Context, t time.Time) ([]*blobstore.StoredFile, error)
	Delete(ctx context.Context, key string) error
}

type Appointments interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, id, prescriptionID uuid.UUID) (*appointment.Appointment, error)
	FileKeyReferenced(ctx context.Context, key string) (bool, error)
}

type Prescriptions interface {
	ListUnbound(ctx context.Context) ([]*prescription.Prescription, error)
}

type Options struct {
	GracePeriod time.Duration
	DryRun      bool
}

// Report summarizes one run.
type Report struct {
	DryRun               bool      `json:"dry_run"`
	Cutoff               time.Time `json:"cutoff"`
	FilesScanned         int       `json:"files_scanned"`
	Orphans              []string  `json:"orphans"`
	OrphansRemoved       int       `json:"orphans_removed"`
	PrescriptionsChecked int       `json:"prescriptions_checked"`
	Repaired             []string  `json:"repaired"`
	Unrepairable         []string  `json:"unrepairable"`
}

type Reconciler struct {
	files         Files
	appointments  Appointments
	prescriptions Prescriptions
	opts          Options
	metrics       *metrics.Collector
	logger        zerolog.Logger
	now           func() time.Time
}

func New(files Files, appts Appointments, rx Prescriptions, opts Options, m *metrics.Collector, logger zerolog.Logger) *Reconciler {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Reconciler{
		files:         files,
		appointments:  appts,
		prescriptions: rx,
		opts:          opts,
		metrics:       m,
		logger:        logger.With().Str("component", "reconcile").Bool("dry_run", opts.DryRun).Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run performs the orphan sweep and then the prescription repair.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{DryRun: r.opts.DryRun}
	if err := r.SweepOrphans(ctx, rep); err != nil {
		return rep, err
	}
	if err := r.RepairPrescriptions(ctx, rep); err != nil {
		return rep, err
	}
	r.logger.Info().
		Int("files_scanned", rep.FilesScanned).
		Int("orphans", len(rep.Orphans)).
		Int("orphans_removed", rep.OrphansRemoved).
		Int("prescriptions_checked", rep.PrescriptionsChecked).
		Int("repaired", len(rep.Repaired)).
		Int("unrepairable", len(rep.Unrepairable)).
		Msg("reconciliation finished")
	return rep, nil
}

// SweepOrphans deletes booking files older than the grace period that no
// appointment references.
func (r *Reconciler) SweepOrphans(ctx context.Context, rep *Report) error {
	rep.Cutoff = r.now().Add(-r.opts.GracePeriod)
	files, err := r.files.ListUploadedBefore(ctx, rep.Cutoff)
	if err != nil {
		return err
	}

	removed := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.Origin != blobstore.OriginBooking {
			continue
		}
		rep.FilesScanned++

		referenced, err := r.appointments.FileKeyReferenced(ctx, f.Key)
		if err != nil {
			return err
		}
		if referenced {
			continue
		}
		rep.Orphans = append(rep.Orphans, f.Key)
		if r.opts.DryRun {
			r.logger.Info().Str("file_key", f.Key).Msg("orphaned file")
			continue
		}
		if err := r.files.Delete(ctx, f.Key); err != nil {
			if errors.Is(err, blobstore.ErrBlobNotFound) {
				continue
			}
			return err
		}
		removed++
		r.logger.Info().Str("file_key", f.Key).Time("uploaded_at", f.UploadedAt).Msg("orphaned file removed")
	}
	rep.OrphansRemoved += removed
	r.metrics.RecordOrphansRemoved(removed)
	return nil
}

// RepairPrescriptions completes Confirmed appointments whose prescription was
// stored without the completion. Anything else is reported, not changed.
func (r *Reconciler) RepairPrescriptions(ctx context.Context, rep *Report) error {
	candidates, err := r.prescriptions.ListUnbound(ctx)
	if err != nil {
		return err
	}

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.PrescriptionsChecked++

		a, err := r.appointments.Get(ctx, p.AppointmentID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				r.unrepairable(rep, p, "appointment missing")
				continue
			}
			return err
		}
		if a.Status == appointment.StatusCompleted && a.PrescriptionID != nil && *a.PrescriptionID == p.ID {
			continue
		}
		if a.Status != appointment.StatusConfirmed {
			r.unrepairable(rep, p, "appointment is "+string(a.Status))
			continue
		}

		if r.opts.DryRun {
			rep.Repaired = append(rep.Repaired, p.ID.String())
			r.logger.Info().Str("prescription_id", p.ID.String()).Msg("prescription needs completion")
			continue
		}
		if _, err := r.appointments.Complete(ctx, a.ID, p.ID); err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) {
				r.unrepairable(rep, p, err.Error())
				continue
			}
			return err
		}
		rep.Repaired = append(rep.Repaired, p.ID.String())
		r.logger.Info().
			Str("prescription_id", p.ID.String()).
			Str("appointment_id", a.ID.String()).
			Msg("appointment completed by reconciliation")
	}
	return nil
}

func (r *Reconciler) unrepairable(rep *Report, p *prescription.Prescription, reason string) {
	rep.Unrepairable = append(rep.Unrepairable, p.ID.String())
	r.metrics.RecordInconsistency("reconcile")
	r.logger.Error().
		Str("prescription_id", p.ID.String()).
		Str("appointment_id", p.AppointmentID.String()).
		Str("reason", reason).
		Msg("prescription cannot be bound to its appointment")
}
