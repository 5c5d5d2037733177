package flags

import (
	"context"
	"testing"

	"github.com/opensafely-core/job-runner/internal/model"
)

type fakeStore struct {
	values map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}}
}

func k(backend, key string) string { return backend + "/" + key }

func (f *fakeStore) GetFlag(ctx context.Context, backend, key string) (string, error) {
	return f.values[k(backend, key)], nil
}

func (f *fakeStore) SetFlag(ctx context.Context, backend, key, value string) error {
	f.values[k(backend, key)] = value
	return nil
}

func (f *fakeStore) ClearFlag(ctx context.Context, backend, key string) error {
	delete(f.values, k(backend, key))
	return nil
}

func (f *fakeStore) ListFlags(ctx context.Context, backend string) ([]model.BackendFlag, error) {
	var out []model.BackendFlag
	for kk, v := range f.values {
		out = append(out, model.BackendFlag{Backend: backend, Key: kk, Value: v})
	}
	return out, nil
}

func TestPausedDefaultsFalse(t *testing.T) {
	r := NewReader(newFakeStore())
	paused, err := r.Paused(context.Background(), "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if paused {
		t.Error("expected unset flag to read as not paused")
	}
}

func TestSetPausedRoundTrips(t *testing.T) {
	w := NewWriter(newFakeStore())
	ctx := context.Background()

	if err := w.SetPaused(ctx, "tpp", true); err != nil {
		t.Fatal(err)
	}
	paused, err := w.Paused(ctx, "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if !paused {
		t.Error("expected paused after SetPaused(true)")
	}

	if err := w.SetPaused(ctx, "tpp", false); err != nil {
		t.Fatal(err)
	}
	paused, err = w.Paused(ctx, "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if paused {
		t.Error("expected unpaused after SetPaused(false)")
	}
}

func TestFlagsAreIndependentPerBackend(t *testing.T) {
	w := NewWriter(newFakeStore())
	ctx := context.Background()

	if err := w.SetDBMaintenance(ctx, "tpp", true); err != nil {
		t.Fatal(err)
	}
	dbm, err := w.DBMaintenance(ctx, "emis")
	if err != nil {
		t.Fatal(err)
	}
	if dbm {
		t.Error("expected db_maintenance on emis to be unaffected by tpp")
	}
}

func TestSetRebootPrep(t *testing.T) {
	w := NewWriter(newFakeStore())
	ctx := context.Background()

	if err := w.SetRebootPrep(ctx, "tpp", true); err != nil {
		t.Fatal(err)
	}
	on, err := w.RebootPrep(ctx, "tpp")
	if err != nil {
		t.Fatal(err)
	}
	if !on {
		t.Error("expected reboot prep set")
	}
}
