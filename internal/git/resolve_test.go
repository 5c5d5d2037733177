package git

import (
	"context"
	"strings"
	"testing"
)

type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
}

func (f *fakeRunner) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	if err, ok := f.errs[key]; ok {
		return "", err
	}
	return f.responses[key], nil
}

func TestResolveCommitLocalRef(t *testing.T) {
	fake := &fakeRunner{responses: map[string]string{
		"rev-parse --verify main": "abc123\n",
	}}
	SetDefaultRunner(fake)
	defer SetDefaultRunner(nil)

	r := NewResolver("/repo")
	commit, err := r.ResolveCommit(context.Background(), "main")
	if err != nil {
		t.Fatalf("ResolveCommit: %v", err)
	}
	if commit != "abc123" {
		t.Errorf("expected abc123, got %q", commit)
	}
}

func TestResolveCommitFallsBackToRemote(t *testing.T) {
	fake := &fakeRunner{
		errs: map[string]error{
			"rev-parse --verify feature-x": errBoomGit,
		},
		responses: map[string]string{
			"rev-parse --verify origin/feature-x": "def456\n",
		},
	}
	SetDefaultRunner(fake)
	defer SetDefaultRunner(nil)

	r := NewResolver("/repo")
	commit, err := r.ResolveCommit(context.Background(), "feature-x")
	if err != nil {
		t.Fatalf("ResolveCommit: %v", err)
	}
	if commit != "def456" {
		t.Errorf("expected def456, got %q", commit)
	}
}

type gitErr string

func (e gitErr) Error() string { return string(e) }

var errBoomGit = gitErr("not found")
