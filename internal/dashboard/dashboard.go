// Package dashboard is the operator's read-only live view of Controller
// state (SPEC_FULL.md's ambient operator-dashboard addition): an HTTP
// server exposing a point-in-time snapshot plus a broadcast stream of the
// same events.Bus the Controller and Agents already publish to, adapted
// from the teacher's internal/web Store/Hub/SSE trio. It never writes
// anything — the Controller's internal/store remains the only writer.
package dashboard

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/model"
)

// Store is the read-only subset of internal/store.Store the dashboard
// needs to build a snapshot.
type Store interface {
	ListJobsByBackend(ctx context.Context, backend string) ([]*model.Job, error)
	ListActiveTasksByBackend(ctx context.Context, backend string) ([]*model.Task, error)
}

// FlagReader is the subset of internal/flags.Reader the dashboard needs
// to show each backend's control-flag state alongside its jobs.
type FlagReader interface {
	All(ctx context.Context, backend string) ([]model.BackendFlag, error)
}

// BackendSnapshot is one backend's current state: its jobs, active tasks
// and control flags, at the moment Snapshot was called.
type BackendSnapshot struct {
	Backend string              `json:"backend"`
	Jobs    []*model.Job        `json:"jobs"`
	Tasks   []*model.Task       `json:"tasks"`
	Flags   []model.BackendFlag `json:"flags"`
}

// Snapshot is the full point-in-time state served by GET /state.
type Snapshot struct {
	Backends []BackendSnapshot `json:"backends"`
}

// BuildSnapshot assembles a Snapshot across every backend the Controller
// owns. A failure reading one backend doesn't prevent reporting the
// others — same "don't let one bad backend spoil the view" posture as
// the sync loop and the controller's per-backend tick.
func BuildSnapshot(ctx context.Context, store Store, flags FlagReader, backends []string) (Snapshot, error) {
	snap := Snapshot{Backends: make([]BackendSnapshot, 0, len(backends))}
	for _, backend := range backends {
		bs := BackendSnapshot{Backend: backend}

		jobs, err := store.ListJobsByBackend(ctx, backend)
		if err == nil {
			bs.Jobs = jobs
		}
		tasks, err := store.ListActiveTasksByBackend(ctx, backend)
		if err == nil {
			bs.Tasks = tasks
		}
		if flags != nil {
			if f, err := flags.All(ctx, backend); err == nil {
				bs.Flags = f
			}
		}

		snap.Backends = append(snap.Backends, bs)
	}
	return snap, nil
}
