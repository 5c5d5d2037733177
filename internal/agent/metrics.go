package agent

import (
	"context"
	"sync"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
)

// StatsSource is an optional capability an executor.Adapter may
// implement: container resource stats alongside a job's definition
// stages (spec.md §4.G: "a separate metrics loop... reads container
// stats in parallel"). Not part of executor.Adapter itself — most
// Adapters (and the Memory test stub) have no need of it, and the
// metrics loop runs independently of the stage-transition loop anyway.
type StatsSource interface {
	Stats(ctx context.Context, jobID string) (map[string]float64, error)
}

// ActiveJobIDs reports the job IDs the metrics loop should currently be
// polling. The Runner's own task list is the natural source: only jobs
// with a live container have anything worth sampling.
type ActiveJobIDs func() []string

// MetricsLoop samples StatsSource for every currently-active job on its
// own ticker, independent of the stage-transition loop — the same split
// the teacher draws between LogStreamer (background, best-effort,
// read-only) and the job-manager's own state transitions. A stats read
// failing never affects job outcome; it's just not reported that tick.
type MetricsLoop struct {
	Source   StatsSource
	Active   ActiveJobIDs
	Bus      *events.Bus
	Interval time.Duration
}

// NewMetricsLoop builds a MetricsLoop. interval defaults to 15s if zero.
func NewMetricsLoop(source StatsSource, active ActiveJobIDs, bus *events.Bus, interval time.Duration) *MetricsLoop {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsLoop{Source: source, Active: active, Bus: bus, Interval: interval}
}

// Run samples every active job once per interval until ctx is cancelled.
// Every job in the set is sampled concurrently, since one slow stats call
// shouldn't delay the others — there's no shared state between them.
func (m *MetricsLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleAll(ctx)
		}
	}
}

func (m *MetricsLoop) sampleAll(ctx context.Context) {
	if m.Source == nil {
		return
	}
	jobIDs := m.Active()

	var wg sync.WaitGroup
	for _, jobID := range jobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			m.sampleOne(ctx, jobID)
		}(jobID)
	}
	wg.Wait()
}

func (m *MetricsLoop) sampleOne(ctx context.Context, jobID string) {
	stats, err := m.Source.Stats(ctx, jobID)
	if err != nil {
		if m.Bus != nil {
			m.Bus.Emit(events.New(events.AgentTickFailed).WithJob(jobID).WithError(err))
		}
		return
	}
	if m.Bus != nil {
		m.Bus.Emit(events.New(events.TaskUpdated).WithJob(jobID).WithPayload(stats))
	}
}
