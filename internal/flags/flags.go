// Package flags gives the Controller and Task API typed access to the
// per-backend control flags stored in internal/store (spec.md §4.H).
// Reads are not transactional with job state: the scheduler tick reads
// flags once per pass and accepts a possibly-stale or absent value by
// design, rather than taking a lock that would serialize flag changes
// against job evaluation.
package flags

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Store is the subset of internal/store.Store that flags needs.
type Store interface {
	GetFlag(ctx context.Context, backend, key string) (string, error)
	SetFlag(ctx context.Context, backend, key, value string) error
	ClearFlag(ctx context.Context, backend, key string) error
	ListFlags(ctx context.Context, backend string) ([]model.BackendFlag, error)
}

// Reader offers read-only flag access to components that must not
// mutate backend state, e.g. the Controller tick loop.
type Reader struct {
	store Store
}

// NewReader wraps store for read-only flag access.
func NewReader(store Store) *Reader {
	return &Reader{store: store}
}

// Paused reports whether the backend has been manually paused. A paused
// backend admits no new tasks, but jobs already EXECUTING continue.
func (r *Reader) Paused(ctx context.Context, backend string) (bool, error) {
	v, err := r.store.GetFlag(ctx, backend, model.FlagPaused)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// DBMaintenance reports whether the backend is in database maintenance
// mode. Only DBSTATUS tasks may be admitted while this is set.
func (r *Reader) DBMaintenance(ctx context.Context, backend string) (bool, error) {
	v, err := r.store.GetFlag(ctx, backend, model.FlagDBMaintenance)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// RebootPrep reports whether the backend is draining ahead of a planned
// reboot: no new tasks are admitted, and running jobs are cancelled via
// CANCELJOB tasks and parked on WAITING_ON_REBOOT.
func (r *Reader) RebootPrep(ctx context.Context, backend string) (bool, error) {
	v, err := r.store.GetFlag(ctx, backend, model.FlagRebootPrep)
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// All returns every flag set for backend, for diagnostics and the
// dashboard's backend status view.
func (r *Reader) All(ctx context.Context, backend string) ([]model.BackendFlag, error) {
	return r.store.ListFlags(ctx, backend)
}

// Writer offers mutation access, used by opctl and the RAP
// backend-status endpoint to flip operator-controlled flags.
type Writer struct {
	Reader
}

// NewWriter wraps store for read/write flag access.
func NewWriter(store Store) *Writer {
	return &Writer{Reader{store: store}}
}

// SetPaused pauses or unpauses task admission for backend.
func (w *Writer) SetPaused(ctx context.Context, backend string, paused bool) error {
	return w.setBool(ctx, backend, model.FlagPaused, paused)
}

// SetDBMaintenance enters or exits database maintenance mode for backend.
func (w *Writer) SetDBMaintenance(ctx context.Context, backend string, on bool) error {
	return w.setBool(ctx, backend, model.FlagDBMaintenance, on)
}

// SetRebootPrep enters or exits reboot-preparation mode for backend.
func (w *Writer) SetRebootPrep(ctx context.Context, backend string, on bool) error {
	return w.setBool(ctx, backend, model.FlagRebootPrep, on)
}

func (w *Writer) setBool(ctx context.Context, backend, key string, on bool) error {
	if !on {
		return w.store.ClearFlag(ctx, backend, key)
	}
	return w.store.SetFlag(ctx, backend, key, "true")
}
