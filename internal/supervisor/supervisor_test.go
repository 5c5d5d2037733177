package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoopTicksImmediatelyThenOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count int32

	g := NewGroup(ctx)
	g.Go(Loop{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})

	time.Sleep(22 * time.Millisecond)
	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&count); got < 3 {
		t.Errorf("expected at least 3 ticks, got %d", got)
	}
}

func TestLoopErrorCancelsGroup(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	g := NewGroup(ctx)
	g.Go(Loop{
		Name:     "failing",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			return boom
		},
	})

	second := make(chan struct{})
	g.Go(Loop{
		Name:     "cancelled-by-sibling",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				close(second)
				return nil
			default:
				return nil
			}
		},
	})

	err := g.Wait()
	if err == nil {
		t.Fatal("expected error from failing loop")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped boom error, got %v", err)
	}

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Error("expected sibling loop's context to be cancelled")
	}
}

func TestGroupStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{}, 10)

	g := NewGroup(ctx)
	g.Go(Loop{
		Name:     "test",
		Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})

	<-ran
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("expected group to stop after context cancel")
	}
}
