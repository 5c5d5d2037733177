// Package syncloop is the bidirectional bridge to the external job-server
// (spec.md §4.F): at a tick interval it pulls each owned backend's active
// JobRequests, upserts them, then pushes back the current status of every
// Job belonging to them. It is a writer like any other — the Controller
// alone owns the database, but the sync loop uses the same
// internal/store interface to get there, it is not given a private
// backdoor.
package syncloop

import (
	"context"
	"fmt"

	"github.com/opensafely-core/job-runner/internal/events"
	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/opensafely-core/job-runner/internal/redact"
)

// JobServer is the subset of jobserver.Client the loop needs.
type JobServer interface {
	ActiveJobRequests(ctx context.Context, backend string) ([]*model.JobRequest, error)
	PushJobStatuses(ctx context.Context, backend, jobRequestID string, jobs []*model.Job) error
}

// Store is the subset of internal/store.Store the loop needs.
type Store interface {
	UpsertJobRequest(ctx context.Context, jr *model.JobRequest) error
	ListJobsByRequest(ctx context.Context, jobRequestID string) ([]*model.Job, error)
}

// Loop pulls/pushes for a fixed set of backends every tick.
type Loop struct {
	JobServer JobServer
	Store     Store
	Bus       *events.Bus
	Backends  []string
}

// New builds a Loop. bus may be nil, in which case events are dropped.
func New(js JobServer, store Store, bus *events.Bus, backends []string) *Loop {
	return &Loop{JobServer: js, Store: store, Bus: bus, Backends: backends}
}

func (l *Loop) emit(e events.Event) {
	if l.Bus != nil {
		l.Bus.Emit(e)
	}
}

// Tick runs one pull/upsert/push pass for every owned backend. A failure
// on one backend doesn't stop the others (spec.md §7: transient remote
// errors are logged and retried next interval, with no job state change).
func (l *Loop) Tick(ctx context.Context) error {
	for _, backend := range l.Backends {
		if err := l.syncBackend(ctx, backend); err != nil {
			l.emit(events.New(events.SyncFailed).WithBackend(backend).WithError(err))
		}
	}
	return nil
}

func (l *Loop) syncBackend(ctx context.Context, backend string) error {
	requests, err := l.JobServer.ActiveJobRequests(ctx, backend)
	if err != nil {
		return fmt.Errorf("syncloop: fetch active job requests for %s: %w", backend, err)
	}

	for _, jr := range requests {
		if err := l.Store.UpsertJobRequest(ctx, jr); err != nil {
			l.emit(events.New(events.SyncFailed).WithBackend(backend).WithPayload(jr.ID).WithError(err))
			continue
		}

		jobs, err := l.Store.ListJobsByRequest(ctx, jr.ID)
		if err != nil {
			l.emit(events.New(events.SyncFailed).WithBackend(backend).WithPayload(jr.ID).WithError(err))
			continue
		}

		redacted := make([]*model.Job, len(jobs))
		for i, j := range jobs {
			scrubbed := *j
			scrubbed.StatusMessage = redact.Message(j.StatusMessage)
			redacted[i] = &scrubbed
		}

		if err := l.JobServer.PushJobStatuses(ctx, backend, jr.ID, redacted); err != nil {
			l.emit(events.New(events.SyncFailed).WithBackend(backend).WithPayload(jr.ID).WithError(err))
			continue
		}
		l.emit(events.New(events.SyncPushed).WithBackend(backend).WithPayload(jr.ID))
	}
	return nil
}
