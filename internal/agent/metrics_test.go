package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensafely-core/job-runner/internal/events"
)

type fakeStatsSource struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeStatsSource) Stats(ctx context.Context, jobID string) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, jobID)
	return map[string]float64{"cpu_percent": 12.5}, nil
}

func TestMetricsLoopSamplesEveryActiveJobEachTick(t *testing.T) {
	source := &fakeStatsSource{}
	bus := events.NewBus()
	loop := NewMetricsLoop(source, func() []string { return []string{"job-1", "job-2"} }, bus, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.calls) == 0 {
		t.Fatalf("expected at least one sampling pass")
	}
}
